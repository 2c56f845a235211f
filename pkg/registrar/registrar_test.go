package registrar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixnotka/trailship/pkg/sink"
	"github.com/felixnotka/trailship/pkg/stream"
	"github.com/felixnotka/trailship/pkg/tokenstore"
)

var testID = stream.ID{Group: "/aws/cloudtrail", Name: "111122223333_CloudTrail_eu-west-1"}

func TestEnsure(t *testing.T) {
	tests := []struct {
		name        string
		existing    bool
		createErr   error
		wantCreated bool
		wantErr     bool
		wantToken   bool
	}{
		{name: "new stream clears token", wantCreated: true, wantToken: false},
		{name: "existing stream keeps token", existing: true, wantToken: true},
		{name: "create failure", createErr: &sink.Error{Kind: sink.KindOther, Err: errors.New("denied")}, wantErr: true, wantToken: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := sink.NewMemorySink()
			s.CreateErr = tt.createErr
			if tt.existing {
				if err := s.CreateStream(ctx, testID); err != nil {
					t.Fatal(err)
				}
			}
			tokens := tokenstore.NewMemoryStore()
			if err := tokens.Put(ctx, testID, "old", time.Hour); err != nil {
				t.Fatal(err)
			}

			created, err := New(s, tokens).Ensure(ctx, testID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Ensure() error = %v, wantErr %v", err, tt.wantErr)
			}
			if created != tt.wantCreated {
				t.Errorf("created = %v, want %v", created, tt.wantCreated)
			}
			if _, ok, _ := tokens.Get(ctx, testID); ok != tt.wantToken {
				t.Errorf("token present = %v, want %v", ok, tt.wantToken)
			}
		})
	}
}

func TestEnsureTwiceKeepsToken(t *testing.T) {
	ctx := context.Background()
	s := sink.NewMemorySink()
	tokens := tokenstore.NewMemoryStore()
	r := New(s, tokens)

	created, err := r.Ensure(ctx, testID)
	if err != nil || !created {
		t.Fatalf("first Ensure() = %v, %v, want true, nil", created, err)
	}
	if err := tokens.Put(ctx, testID, "valid", time.Hour); err != nil {
		t.Fatal(err)
	}

	created, err = r.Ensure(ctx, testID)
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if created {
		t.Error("second Ensure() created = true, want false")
	}
	e, ok, err := tokens.Get(ctx, testID)
	if err != nil || !ok || e.Token != "valid" {
		t.Errorf("token = %q, %v, %v, want valid", e.Token, ok, err)
	}
}

func TestEnsureTokenStoreDown(t *testing.T) {
	ctx := context.Background()
	tokens := tokenstore.NewMemoryStore()
	tokens.Err = errors.New("timeout")

	created, err := New(sink.NewMemorySink(), tokens).Ensure(ctx, testID)
	if !created {
		t.Error("stream was created, created should be true")
	}
	if !errors.Is(err, tokenstore.ErrUnavailable) {
		t.Errorf("Ensure() error = %v, want ErrUnavailable", err)
	}
}
