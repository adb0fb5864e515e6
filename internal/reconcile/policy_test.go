// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconcile

import (
	"errors"
	"reflect"
	"testing"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
)

func msg(id string, role model.Role) model.Message {
	return model.Message{ID: id, Role: role, Parts: []model.Part{model.TextPart(id)}}
}

func idsOf(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestApplyPolicy(t *testing.T) {
	history := []model.Message{
		msg("s", model.RoleSystem),
		msg("u1", model.RoleUser),
		msg("a1", model.RoleAssistant),
		msg("u2", model.RoleUser),
		msg("a2", model.RoleAssistant),
		msg("a3", model.RoleAssistant),
	}

	tests := []struct {
		name    string
		msgs    []model.Message
		policy  Policy
		want    []string
		wantErr error
	}{
		{"trailing turn", history, PolicyTrailingTurn, []string{"s", "u1", "a1", "u2"}, nil},
		{"all assistant", history, PolicyAllAssistant, []string{"s", "u1", "u2"}, nil},
		{"ends with user", history[:4], PolicyTrailingTurn, []string{"s", "u1", "a1", "u2"}, nil},
		{"no user", []model.Message{msg("a", model.RoleAssistant)}, PolicyTrailingTurn, nil, ErrNothingToRegenerate},
		{"empty", nil, PolicyAllAssistant, nil, ErrNothingToRegenerate},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ApplyPolicy(tc.msgs, tc.policy)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ApplyPolicy() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			if !reflect.DeepEqual(idsOf(got), tc.want) {
				t.Errorf("ApplyPolicy() = %v, want %v", idsOf(got), tc.want)
			}
		})
	}
}

func TestApplyPolicy_NeverRemovesUserMessages(t *testing.T) {
	roles := []model.Role{model.RoleUser, model.RoleAssistant}
	// Every role sequence of length 1..6.
	for n := 1; n <= 6; n++ {
		for mask := 0; mask < 1<<n; mask++ {
			var msgs []model.Message
			users := 0
			for i := 0; i < n; i++ {
				role := roles[(mask>>i)&1]
				if role == model.RoleUser {
					users++
				}
				msgs = append(msgs, msg(string(rune('a'+i)), role))
			}

			for _, policy := range []Policy{PolicyTrailingTurn, PolicyAllAssistant} {
				got, err := ApplyPolicy(msgs, policy)
				if users == 0 {
					if !errors.Is(err, ErrNothingToRegenerate) {
						t.Errorf("mask %b: error = %v, want ErrNothingToRegenerate", mask, err)
					}
					continue
				}
				kept := 0
				for _, m := range got {
					if m.Role == model.RoleUser {
						kept++
					}
				}
				if kept != users {
					t.Errorf("mask %b %v: kept %d users, want %d", mask, policy, kept, users)
				}
				if last := msgs[n-1]; last.Role == model.RoleAssistant && model.Contains(got, last.ID) {
					t.Errorf("mask %b %v: trailing assistant %s kept", mask, policy, last.ID)
				}
			}
		}
	}
}

func TestShouldRemoveSession(t *testing.T) {
	tests := []struct {
		name string
		msgs []model.Message
		want bool
	}{
		{"empty", nil, true},
		{"lone assistant", []model.Message{msg("a", model.RoleAssistant)}, true},
		{"lone user", []model.Message{msg("u", model.RoleUser)}, false},
		{"two messages", []model.Message{msg("u", model.RoleUser), msg("a", model.RoleAssistant)}, false},
	}
	for _, tc := range tests {
		if got := ShouldRemoveSession(tc.msgs); got != tc.want {
			t.Errorf("ShouldRemoveSession(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyTrailingTurn {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if p, err := ParsePolicy("All-Assistant"); err != nil || p != PolicyAllAssistant {
		t.Errorf("ParsePolicy(All-Assistant) = %v, %v", p, err)
	}
	if _, err := ParsePolicy("last-only"); err == nil {
		t.Error("ParsePolicy(last-only) expected error")
	}
	if PolicyAllAssistant.String() != "all-assistant" {
		t.Errorf("String() = %q", PolicyAllAssistant.String())
	}
}
