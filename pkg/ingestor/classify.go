package ingestor

import (
	"regexp"
	"strings"

	"github.com/felixnotka/trailship/pkg/stream"
)

// SkipReason explains why a notification is not shipped.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipUnknownKey SkipReason = "unknown-key"
	SkipOwnAccount SkipReason = "own-account"
	SkipNotFound   SkipReason = "not-found"
)

// Target is where the records of one object go.
type Target struct {
	Category stream.Category
	Account  string
	Region   string
	Stream   stream.ID
}

// keyPattern matches CloudTrail object keys with an optional bucket prefix and
// an optional organization id:
//
//	[prefix/]AWSLogs/[o-xxxx/]<account>/CloudTrail[-Insight]/<region>/...
var keyPattern = regexp.MustCompile(`^(?:.*/)?AWSLogs/(?:o-[a-z0-9]+/)?(\d+)/(CloudTrail|CloudTrail-Insight)/([^/]+)/`)

// Classifier maps object keys to destination streams. First matching rule
// wins; a key matching no rule is skipped.
type Classifier struct {
	// Groups maps each category to its log group.
	Groups map[stream.Category]string

	// OwnAccount is the account the shipper runs in. Keys mentioning it are
	// skipped, otherwise the shipper's own trail would feed itself.
	OwnAccount string
}

// NewClassifier creates a Classifier.
func NewClassifier(activityGroup, insightGroup, ownAccount string) *Classifier {
	return &Classifier{
		Groups: map[stream.Category]string{
			stream.CategoryActivity: activityGroup,
			stream.CategoryInsight:  insightGroup,
		},
		OwnAccount: ownAccount,
	}
}

// Classify returns the target for key, or the reason it is skipped.
func (c *Classifier) Classify(key string) (Target, SkipReason) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return Target{}, SkipUnknownKey
	}
	if c.OwnAccount != "" && strings.Contains(key, c.OwnAccount) {
		return Target{}, SkipOwnAccount
	}

	category := stream.CategoryActivity
	if m[2] == "CloudTrail-Insight" {
		category = stream.CategoryInsight
	}
	account, region := m[1], m[3]
	return Target{
		Category: category,
		Account:  account,
		Region:   region,
		Stream: stream.ID{
			Group: c.Groups[category],
			Name:  stream.NameFor(account, region),
		},
	}, SkipNone
}
