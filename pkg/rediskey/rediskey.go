package rediskey

import "fmt"

const (
	FundingLeasePrefix = "lease:funding"
	SweepLeasePrefix   = "lease:sweep"
	SequencePrefix     = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildFundingLeaseKey returns "lease:funding:{campaignID}".
func BuildFundingLeaseKey(campaignID string) string {
	return NamespaceKey(FundingLeasePrefix, campaignID)
}

// BuildSweepLeaseKey returns "lease:sweep:{task}".
func BuildSweepLeaseKey(task string) string {
	return NamespaceKey(SweepLeasePrefix, task)
}

// BuildSequenceKey returns "seq:{prefix}:{day}".
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(prefix, day))
}
