package orders

const (
	TopicOrderPlaced         = "order.placed"
	TopicOrderStatusChanged  = "order.status_changed"
	TopicCatalogProductEvent = "catalog.product_changed"
)

// PartitionKey keeps all events of one aggregate on one partition, in order.
func PartitionKey(id string) []byte { return []byte(id) }
