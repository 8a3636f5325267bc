package types

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPermissionSetSatisfies(t *testing.T) {
	ps := NewPermissionSet(
		ReadEntity(KindTable, "accounts"),
		CreateEntity(KindQuery),
		UserPermission("bob"),
	)

	if !ps.Satisfies(ReadEntity(KindTable, "accounts")) {
		t.Error("expected readEntity table accounts to be satisfied")
	}
	if ps.Satisfies(ReadEntity(KindTable, "other")) {
		t.Error("permission must not match a different name")
	}
	if ps.Satisfies(ReadEntity(KindQuery, "accounts")) {
		t.Error("permission must not match a different kind")
	}
	if ps.Satisfies(ModifyEntity(KindTable, "accounts")) {
		t.Error("read must not imply modify")
	}
}

func TestPermissionSetSatisfiesAllAny(t *testing.T) {
	ps := NewPermissionSet(UserAdmin(), HasRole("ops"))

	if !ps.SatisfiesAll([]Permission{UserAdmin(), HasRole("ops")}) {
		t.Error("expected both permissions to be satisfied")
	}
	if ps.SatisfiesAll([]Permission{UserAdmin(), HasRole("dev")}) {
		t.Error("all-of must fail on one missing permission")
	}
	if !ps.SatisfiesAny([]Permission{HasRole("dev"), UserAdmin()}) {
		t.Error("any-of must pass on one present permission")
	}
	if ps.SatisfiesAny(nil) {
		t.Error("an empty any-of list must never be satisfied")
	}
}

func TestChannelRequiredPermission(t *testing.T) {
	cases := []struct {
		channel Channel
		want    Permission
	}{
		{AllEntities(KindTable), ReadEntity(KindTable, "")},
		{AllEntities(KindQuery), ReadEntity(KindQuery, "")},
		{AllEntities(KindScript), ReadEntity(KindScript, "")},
		{EntityChannel(KindTable, "accounts"), ReadEntity(KindTable, "accounts")},
		{EntityChannel(KindQuery, "report"), ReadEntity(KindQuery, "report")},
		{EntityChannel(KindScript, "nightly"), ReadEntity(KindScript, "nightly")},
		{TableDataChannel("accounts"), GetTableData("accounts")},
	}
	for _, tc := range cases {
		if got := tc.channel.RequiredPermission(); got != tc.want {
			t.Errorf("channel %+v: got %+v, want %+v", tc.channel, got, tc.want)
		}
	}
}

func TestChannelKeyStable(t *testing.T) {
	a := TableDataChannel("accounts")
	b := Channel{Scope: ScopeTableData, Name: "accounts"}

	ka, err := a.Key()
	if err != nil {
		t.Fatal(err)
	}
	kb, err := b.Key()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ka, kb); diff != "" {
		t.Errorf("equal channels produced different keys (-a +b):\n%s", diff)
	}
}
