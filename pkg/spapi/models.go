package spapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var errMissing = errors.New("required field missing")

// Marketplace is a marketplace the seller can sell in.
type Marketplace struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	CountryCode         string `json:"countryCode"`
	DefaultCurrencyCode string `json:"defaultCurrencyCode"`
	DefaultLanguageCode string `json:"defaultLanguageCode"`
	DomainName          string `json:"domainName"`
}

// Participation describes the seller's standing in a marketplace.
type Participation struct {
	IsParticipating      bool `json:"isParticipating"`
	HasSuspendedListings bool `json:"hasSuspendedListings"`
}

// MarketplaceParticipation pairs a marketplace with the seller's participation.
type MarketplaceParticipation struct {
	Marketplace   Marketplace   `json:"marketplace"`
	Participation Participation `json:"participation"`
	StoreName     string        `json:"storeName"`

	// Raw is the entry as received.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw entry alongside the typed fields.
func (m *MarketplaceParticipation) UnmarshalJSON(data []byte) error {
	type alias MarketplaceParticipation
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	a.Raw = append(json.RawMessage(nil), data...)
	*m = MarketplaceParticipation(a)
	return nil
}

// Money is an amount in a currency. Amount is kept as the decimal string the API sends.
type Money struct {
	CurrencyCode string `json:"CurrencyCode"`
	Amount       string `json:"Amount"`
}

// Flag decodes booleans sent either as JSON booleans or as "true"/"false" strings.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "null":
		return nil
	case "true", "false":
		*f = string(data) == "true"
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flag: %w", err)
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		*f = false
		return nil
	}
	*f = Flag(b)
	return nil
}

// Order is an order as listed by the orders API.
type Order struct {
	AmazonOrderID          string          `json:"AmazonOrderId"`
	SellerOrderID          string          `json:"SellerOrderId,omitempty"`
	PurchaseDate           time.Time       `json:"PurchaseDate"`
	LastUpdateDate         *time.Time      `json:"LastUpdateDate,omitempty"`
	OrderStatus            string          `json:"OrderStatus"`
	FulfillmentChannel     string          `json:"FulfillmentChannel,omitempty"`
	SalesChannel           string          `json:"SalesChannel,omitempty"`
	OrderChannel           string          `json:"OrderChannel,omitempty"`
	ShipServiceLevel       string          `json:"ShipServiceLevel,omitempty"`
	OrderTotal             *Money          `json:"OrderTotal,omitempty"`
	NumberOfItemsShipped   int             `json:"NumberOfItemsShipped"`
	NumberOfItemsUnshipped int             `json:"NumberOfItemsUnshipped"`
	PaymentMethod          string          `json:"PaymentMethod,omitempty"`
	MarketplaceID          string          `json:"MarketplaceId"`
	OrderType              string          `json:"OrderType,omitempty"`
	IsBusinessOrder        Flag            `json:"IsBusinessOrder"`
	IsPrime                Flag            `json:"IsPrime"`
	IsPremiumOrder         Flag            `json:"IsPremiumOrder"`
	IsReplacementOrder     Flag            `json:"IsReplacementOrder"`
	EarliestShipDate       *time.Time      `json:"EarliestShipDate,omitempty"`
	LatestShipDate         *time.Time      `json:"LatestShipDate,omitempty"`
	ShippingAddress        json.RawMessage `json:"ShippingAddress,omitempty"`
	BuyerInfo              json.RawMessage `json:"BuyerInfo,omitempty"`
	PaymentExecutionDetail json.RawMessage `json:"PaymentExecutionDetail,omitempty"`

	// Raw is the order as received.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw order alongside the typed fields.
func (o *Order) UnmarshalJSON(data []byte) error {
	type alias Order
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	a.Raw = append(json.RawMessage(nil), data...)
	*o = Order(a)
	return nil
}

// Validate checks the fields every stored order needs.
func (o *Order) Validate() error {
	switch {
	case o.AmazonOrderID == "":
		return &ParseError{Endpoint: ordersPath, Field: "AmazonOrderId", Err: errMissing}
	case o.PurchaseDate.IsZero():
		return &ParseError{Endpoint: ordersPath, Field: "PurchaseDate", Err: errMissing}
	case o.OrderStatus == "":
		return &ParseError{Endpoint: ordersPath, Field: "OrderStatus", Err: errMissing}
	}
	return nil
}

// OrderItem is one line of an order.
type OrderItem struct {
	ASIN                 string          `json:"ASIN"`
	SellerSKU            string          `json:"SellerSKU,omitempty"`
	OrderItemID          string          `json:"OrderItemId"`
	Title                string          `json:"Title,omitempty"`
	QuantityOrdered      int             `json:"QuantityOrdered"`
	QuantityShipped      int             `json:"QuantityShipped"`
	ItemPrice            *Money          `json:"ItemPrice,omitempty"`
	ItemTax              *Money          `json:"ItemTax,omitempty"`
	ShippingPrice        *Money          `json:"ShippingPrice,omitempty"`
	ShippingTax          *Money          `json:"ShippingTax,omitempty"`
	PromotionDiscount    *Money          `json:"PromotionDiscount,omitempty"`
	PromotionIDs         []string        `json:"PromotionIds,omitempty"`
	IsGift               Flag            `json:"IsGift"`
	ConditionID          string          `json:"ConditionId,omitempty"`
	ConditionNote        string          `json:"ConditionNote,omitempty"`
	SerialNumberRequired Flag            `json:"SerialNumberRequired"`
	IsTransparency       Flag            `json:"IsTransparency"`
	ProductInfo          json.RawMessage `json:"ProductInfo,omitempty"`

	// Raw is the item as received.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw item alongside the typed fields.
func (i *OrderItem) UnmarshalJSON(data []byte) error {
	type alias OrderItem
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	a.Raw = append(json.RawMessage(nil), data...)
	*i = OrderItem(a)
	return nil
}

// Validate checks the fields every stored item needs.
func (i *OrderItem) Validate() error {
	switch {
	case i.OrderItemID == "":
		return &ParseError{Endpoint: orderItemsLabel, Field: "OrderItemId", Err: errMissing}
	case i.ASIN == "":
		return &ParseError{Endpoint: orderItemsLabel, Field: "ASIN", Err: errMissing}
	}
	return nil
}

// OrderBundle is everything stored for one order.
type OrderBundle struct {
	// Order is the entry from the orders listing.
	Order Order

	// Details is the single-order response; nil when only the listing entry is known.
	Details *Order

	Items []OrderItem
}
