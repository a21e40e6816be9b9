package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hapihub/hapi/internal/hub/auth"
)

func TestTokenFromHeader(t *testing.T) {
	assert.Equal(t, "tok123", auth.TokenFromHeader("Bearer tok123"))
	assert.Equal(t, "", auth.TokenFromHeader("tok123"))
	assert.Equal(t, "", auth.TokenFromHeader(""))
	assert.Equal(t, "", auth.TokenFromHeader("Basic dXNlcg=="))
}

func TestParseAccessToken(t *testing.T) {
	tests := []struct {
		token   string
		wantTok string
		wantNS  string
	}{
		{"abc", "abc", "default"},
		{"abc#alpha", "abc", "alpha"},
		{"abc#team-1.prod", "abc", "team-1.prod"},
		{"abc#", "abc", "default"},
		{"abc#UPPER", "abc", "default"},
		{"abc#has space", "abc", "default"},
		{"", "", "default"},
	}

	for _, tt := range tests {
		base, ns := auth.ParseAccessToken(tt.token)
		assert.Equal(t, tt.wantTok, base, "token %q", tt.token)
		assert.Equal(t, tt.wantNS, ns, "token %q", tt.token)
	}
}

func TestValidNamespace(t *testing.T) {
	assert.True(t, auth.ValidNamespace("default"))
	assert.True(t, auth.ValidNamespace("a"))
	assert.True(t, auth.ValidNamespace("team_1-x.y"))
	assert.False(t, auth.ValidNamespace(""))
	assert.False(t, auth.ValidNamespace("UPPER"))
	assert.False(t, auth.ValidNamespace("white space"))

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, auth.ValidNamespace(string(long)))
	assert.True(t, auth.ValidNamespace(string(long[:64])))
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, auth.ConstantTimeEquals("secret", "secret"))
	assert.True(t, auth.ConstantTimeEquals("", ""))
	assert.False(t, auth.ConstantTimeEquals("", "x"))
	assert.False(t, auth.ConstantTimeEquals("x", ""))
	assert.False(t, auth.ConstantTimeEquals("secret", "secreT"))
	assert.False(t, auth.ConstantTimeEquals("secret", "secret2"))
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, auth.GetIdentity(ctx))

	ctx = auth.WithIdentity(ctx, &auth.Identity{Namespace: "alpha"})
	id := auth.GetIdentity(ctx)
	assert.NotNil(t, id)
	assert.Equal(t, "alpha", id.Namespace)
}
