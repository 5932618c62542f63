package convex

import (
	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

// UserIdentity is the subset of OpenID claims the client can read out of an
// auth token without verifying it. Verification happens server side; this is
// for diagnostics and admin acting-as only.
type UserIdentity struct {
	Subject string
	Issuer  string
	Name    string
	Email   string
}

func UserIdentityFromToken(token string) (*UserIdentity, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims := parsed.Claims.(gojwt.MapClaims)

	identity := &UserIdentity{}
	if subject, ok := claims["sub"].(string); ok {
		identity.Subject = subject
	}
	if issuer, ok := claims["iss"].(string); ok {
		identity.Issuer = issuer
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}

// SetAuth sets the user token for subsequent function calls. Get it from the
// auth provider's login flow. The server recomputes auth-dependent queries;
// the change is observed as an identity version bump, not a reconnect.
func (self *Client) SetAuth(token string) {
	if identity, err := UserIdentityFromToken(token); err == nil {
		glog.V(1).Infof("[sync]auth as sub=%s iss=%s\n", identity.Subject, identity.Issuer)
	}
	self.stateLock.Lock()
	self.base.setAuth(&authToken{
		tokenType: authTokenTypeUser,
		value:     token,
	})
	self.stateLock.Unlock()
	self.notifySend()
}

// SetAdminAuth authenticates with a deployment admin key. Admins can act as a
// synthetic user identity as part of their development flow.
func (self *Client) SetAdminAuth(adminKey string, actingAs map[string]Value) {
	self.stateLock.Lock()
	self.base.setAuth(&authToken{
		tokenType: authTokenTypeAdmin,
		value:     adminKey,
		actingAs:  actingAs,
	})
	self.stateLock.Unlock()
	self.notifySend()
}

// ClearAuth unsets the identity (logout).
func (self *Client) ClearAuth() {
	self.stateLock.Lock()
	self.base.clearAuth()
	self.stateLock.Unlock()
	self.notifySend()
}
