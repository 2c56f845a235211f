package stream

import "fmt"

// Category distinguishes the kinds of CloudTrail objects the shipper forwards.
type Category string

const (
	// CategoryActivity is the regular CloudTrail management/data event log.
	CategoryActivity Category = "activity"

	// CategoryInsight is the CloudTrail Insights log (derived anomaly events).
	CategoryInsight Category = "insight"
)

// ID identifies a destination log stream.
type ID struct {
	// Group is the CloudWatch Logs log group name.
	Group string

	// Name is the log stream name within Group.
	Name string
}

func (id ID) String() string {
	return id.Group + ":" + id.Name
}

// NameFor returns the log stream name for records of the given source account
// and region. The mapping is deterministic: the same source always lands in the
// same stream, for both categories.
func NameFor(account, region string) string {
	return fmt.Sprintf("%s_CloudTrail_%s", account, region)
}
