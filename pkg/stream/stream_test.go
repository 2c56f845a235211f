package stream

import "testing"

func TestNameFor(t *testing.T) {
	tests := []struct {
		account string
		region  string
		want    string
	}{
		{"111122223333", "eu-west-1", "111122223333_CloudTrail_eu-west-1"},
		{"444455556666", "us-east-1", "444455556666_CloudTrail_us-east-1"},
	}

	for _, tt := range tests {
		if got := NameFor(tt.account, tt.region); got != tt.want {
			t.Errorf("NameFor(%q, %q) = %q, want %q", tt.account, tt.region, got, tt.want)
		}
	}
}

func TestIDString(t *testing.T) {
	id := ID{Group: "/aws/cloudtrail", Name: "111122223333_CloudTrail_eu-west-1"}
	if got := id.String(); got != "/aws/cloudtrail:111122223333_CloudTrail_eu-west-1" {
		t.Errorf("String() = %q", got)
	}
}
