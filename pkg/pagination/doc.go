// Package pagination drives cursor-paginated SP-API listings.
//
// SP-API list endpoints return a NextToken cursor inside the response
// payload. A Paginator follows that cursor lazily, yielding one page per
// iteration, and stops when the cursor disappears or a page limit is hit.
//
// Example usage:
//
//	p := pagination.NewPaginator(apiClient, pagination.PayloadListDecoder[Order]("Orders"), logger)
//	for page, err := range p.FetchAll(ctx, "/orders/v0/orders", params, 0) {
//		if err != nil {
//			return err
//		}
//		handle(page.Records)
//	}
//
// A MultiPartitionFetcher runs the same listing once per marketplace,
// sequentially, with a fixed delay between partitions. A partition that
// fails is logged and skipped; its partial pages are discarded and the
// remaining partitions are still fetched.
package pagination
