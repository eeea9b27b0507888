package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/clusterreg/registry/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestWriteRegistryError_MapsKindToStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "not leader", err: types.NewNotLeader("node-2"), wantStatus: 409},
		{name: "not found", err: types.NewNotFound("no such digest"), wantStatus: 404},
		{name: "digest invalid", err: types.NewDigestInvalid("hash mismatch"), wantStatus: 400},
		{name: "upload invalid", err: types.NewUploadInvalid("rename failed", assertErr("boom")), wantStatus: 400},
		{name: "transient", err: types.NewTransient("disk full", assertErr("boom")), wantStatus: 503},
		{name: "service unavailable", err: types.NewServiceUnavailable("not ready"), wantStatus: 503},
		{name: "fatal falls back to 500", err: types.NewFatal("corrupt log", assertErr("boom")), wantStatus: 500},
		{name: "bare error falls back to 500", err: assertErr("plain error"), wantStatus: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeRegistryError(w, tt.err)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestWriteRegistryError_IncludesLeaderHint(t *testing.T) {
	w := httptest.NewRecorder()
	writeRegistryError(w, types.NewNotLeader("node-3"))

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	assert.Equal(t, "node-3", body["LeaderHint"])
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
