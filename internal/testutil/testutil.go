// Package testutil provides test helpers for archive tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertStrings, etc.)
//   - store_helpers.go: database test setup (NewTestStore, NewTestUser)
//   - fs_helpers.go: filesystem operations (WriteFile, ReadFile, MustExist, Backdate)
//   - backupxml.go: backup document builder
//   - storetest/: a store fixture with contact/conversation/message builders
package testutil
