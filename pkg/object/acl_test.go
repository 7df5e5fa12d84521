package object

import (
	"testing"

	"github.com/stretchr/testify/require"

	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
)

func TestParseACL(t *testing.T) {
	tests := []struct {
		name        string
		input       any
		expectCode  int32
		wantReaders []string
		wantWriters []string
	}{
		{
			name:        "nil_value",
			input:       nil,
			wantReaders: nil,
			wantWriters: nil,
		},
		{
			name: "owner_and_public",
			input: map[string]any{
				"u1": map[string]any{"read": true, "write": true},
				"*":  map[string]any{"read": true},
			},
			wantReaders: []string{"*", "u1"},
			wantWriters: []string{"u1"},
		},
		{
			name: "role_entry",
			input: map[string]any{
				"role:mods": map[string]any{"write": true},
			},
			wantReaders: []string{},
			wantWriters: []string{"role:mods"},
		},
		{
			name: "unresolved_key_rejected",
			input: map[string]any{
				"*unresolved": map[string]any{"read": true},
			},
			expectCode: serverErrors.CodeInvalidACL,
		},
		{
			name:       "non_map_rejected",
			input:      "everyone",
			expectCode: serverErrors.CodeInvalidACL,
		},
		{
			name: "non_bool_grant_rejected",
			input: map[string]any{
				"u1": map[string]any{"read": "yes"},
			},
			expectCode: serverErrors.CodeInvalidACL,
		},
		{
			name: "unknown_op_rejected",
			input: map[string]any{
				"u1": map[string]any{"admin": true},
			},
			expectCode: serverErrors.CodeInvalidACL,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			acl, err := ParseACL(tc.input)
			if tc.expectCode != 0 {
				require.Error(t, err)
				require.Equal(t, tc.expectCode, serverErrors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			if tc.input == nil {
				require.Nil(t, acl)
				return
			}
			require.Equal(t, tc.wantReaders, acl.ReaderKeys())
			require.Equal(t, tc.wantWriters, acl.WriterKeys())
		})
	}
}

func TestDefaultUserACL(t *testing.T) {
	acl := DefaultUserACL("owner1")
	require.Equal(t, []string{"*", "owner1"}, acl.ReaderKeys())
	require.Equal(t, []string{"owner1"}, acl.WriterKeys())

	encoded := acl.Encode()
	reparsed, err := ParseACL(encoded)
	require.NoError(t, err)
	require.Equal(t, acl, reparsed)
}
