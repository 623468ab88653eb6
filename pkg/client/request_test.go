package client

import (
	"net/http"
	"testing"
)

func TestParams_Encode(t *testing.T) {
	tests := []struct {
		name   string
		params func() Params
		want   string
	}{
		{
			name:   "empty",
			params: func() Params { return Params{} },
			want:   "",
		},
		{
			name:   "insertion order",
			params: func() Params { return NewParams("b", "2", "a", "1") },
			want:   "b=2&a=1",
		},
		{
			name: "repeated keys",
			params: func() Params {
				var p Params
				p.Add("OrderStatuses", "Shipped", "Unshipped")
				return p
			},
			want: "OrderStatuses=Shipped&OrderStatuses=Unshipped",
		},
		{
			name: "comma joined",
			params: func() Params {
				var p Params
				p.SetJoined("MarketplaceIds", "A1PA6795UKMFR9", "A1RKKUPIHCS9HS")
				return p
			},
			want: "MarketplaceIds=A1PA6795UKMFR9,A1RKKUPIHCS9HS",
		},
		{
			name: "escaping",
			params: func() Params {
				return NewParams("NextToken", "abc+/=", "CreatedAfter", "2024-01-01T00:00:00Z")
			},
			want: "NextToken=abc%2B%2F%3D&CreatedAfter=2024-01-01T00%3A00%3A00Z",
		},
		{
			name: "set keeps position",
			params: func() Params {
				p := NewParams("a", "1", "b", "2")
				p.Set("a", "3")
				return p
			},
			want: "a=3&b=2",
		},
		{
			name: "delete",
			params: func() Params {
				p := NewParams("a", "1", "b", "2")
				p.Del("a")
				return p
			},
			want: "b=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params().Encode(); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParams_CloneIsIndependent(t *testing.T) {
	original := NewParams("a", "1")
	clone := original.Clone()
	clone.Add("a", "2")
	clone.Set("NextToken", "x")

	if original.Has("NextToken") {
		t.Error("Clone mutation leaked into original")
	}
	if got := original.Values("a"); len(got) != 1 {
		t.Errorf("original a = %v, want [1]", got)
	}
	if clone.Get("NextToken") != "x" || clone.Len() != 2 {
		t.Errorf("clone = %q", clone.Encode())
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/orders/v0/orders", "/orders/v0/orders"},
		{"/orders/v0/orders/902-3159896-1390916", "/orders/v0/orders/{id}"},
		{"/orders/v0/orders/902-3159896-1390916/orderItems", "/orders/v0/orders/{id}/orderItems"},
		{"/reports/2021-06-30/reports/50039018", "/reports/2021-06-30/reports/{id}"},
		{"/reports/2021-06-30/documents/amzn1.tortuga.3.ed4cd0d8", "/reports/2021-06-30/documents/{id}"},
		{"/sellers/v1/marketplaceParticipations", "/sellers/v1/marketplaceParticipations"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := EndpointLabel(tt.path); got != tt.want {
				t.Errorf("EndpointLabel(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRequest_Target(t *testing.T) {
	req := Get("/orders/v0/orders", NewParams("a", "1"))
	if got := req.target("https://sellingpartnerapi-eu.amazon.com/"); got != "https://sellingpartnerapi-eu.amazon.com/orders/v0/orders?a=1" {
		t.Errorf("target = %q", got)
	}

	download := Request{Method: http.MethodGet, URL: "https://bucket.s3.amazonaws.com/doc?X-Amz-Signature=abc"}
	if got := download.target("https://ignored"); got != "https://bucket.s3.amazonaws.com/doc?X-Amz-Signature=abc" {
		t.Errorf("download target = %q", got)
	}
	if download.Endpoint() != "download" {
		t.Errorf("download Endpoint() = %q", download.Endpoint())
	}
}
