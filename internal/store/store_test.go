// Bisectd is a self-hosted git bisect automation service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestDedupKeyBuckets(t *testing.T) {
	spec := testSpec()
	base := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

	if dedupKey(spec, base) != dedupKey(spec, base.Add(10*time.Second)) {
		t.Error("keys differ inside the same bucket")
	}
	if dedupKey(spec, base) == dedupKey(spec, base.Add(2*time.Minute)) {
		t.Error("keys collide across buckets")
	}

	other := spec
	other.Requester = "bob"
	if dedupKey(spec, base) == dedupKey(other, base) {
		t.Error("keys collide for different requesters")
	}
}

func TestOpenSelectsSQLiteBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, filepath.Join(t.TempDir(), "a.db"), Options{})
	if err != nil {
		t.Fatalf("Open(bare path): %v", err)
	}
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("backend = %T, want *SQLiteStore", s)
	}
	_ = s.Close()

	s, err = Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "b.db"), Options{})
	if err != nil {
		t.Fatalf("Open(sqlite://): %v", err)
	}
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("backend = %T, want *SQLiteStore", s)
	}
	_ = s.Close()

	if _, err := Open(ctx, "", Options{}); err == nil {
		t.Error("empty URL accepted")
	}
}
