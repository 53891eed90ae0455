package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		status int
		want   Kind
	}{
		{name: "expired token", code: "ExpiredToken", status: 400, want: KindAuth},
		{name: "access denied", code: "AccessDenied", status: 403, want: KindAuth},
		{name: "invalid access key", code: "InvalidAccessKeyId", want: KindAuth},
		{name: "slow down", code: "SlowDown", status: 503, want: KindTransient},
		{name: "internal error", code: "InternalError", status: 500, want: KindTransient},
		{name: "missing key", code: "NoSuchKey", status: 404, want: KindPermanent},
		{name: "unknown code wins over status", code: "InvalidObjectState", status: 503, want: KindPermanent},
		{name: "bare 403", status: 403, want: KindAuth},
		{name: "bare 401", status: 401, want: KindAuth},
		{name: "bare 429", status: 429, want: KindTransient},
		{name: "bare 502", status: 502, want: KindTransient},
		{name: "bare 404", status: 404, want: KindPermanent},
		{name: "network failure", want: KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.code, tt.status))
		})
	}
}

func TestKindOf(t *testing.T) {
	inner := errors.New("boom")
	ce := &CopyError{Kind: KindPermanent, Op: "CopyObject", Bucket: "src", Key: "a.txt", Err: inner}

	assert.Equal(t, KindPermanent, KindOf(ce))
	assert.Equal(t, KindPermanent, KindOf(fmt.Errorf("worker: %w", ce)))
	assert.Equal(t, KindTransient, KindOf(inner))

	assert.ErrorIs(t, ce, inner)
	assert.Equal(t, "storage.CopyObject src/a.txt (permanent): boom", ce.Error())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "auth", KindAuth.String())
	assert.Equal(t, "permanent", KindPermanent.String())
}
