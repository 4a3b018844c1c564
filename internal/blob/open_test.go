package blob

import (
	"context"
	"testing"

	"custodyledger/internal/blob/core"
	"custodyledger/internal/infra/blob/s3"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cfg  Config
		want core.Driver
	}{
		{Config{FSRoot: t.TempDir()}, core.DriverFilesystem},
		{Config{Driver: core.DriverMemory}, core.DriverMemory},
		{Config{Driver: core.DriverS3, S3: s3.Config{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}}, core.DriverS3},
	}
	for _, tc := range cases {
		store, err := Open(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("open %s: %v", tc.want, err)
		}
		if store.Driver() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, store.Driver())
		}
	}
	if _, err := Open(ctx, Config{Driver: core.DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, Config{Driver: "gcs"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
