package arcgis

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"portalflow/internal/fault"
)

// tokenExpiration is the lifetime requested from generateToken, in minutes.
const tokenExpiration = 120

type User struct {
	Username string `json:"username"`
	FullName string `json:"fullName"`
	OrgID    string `json:"orgId"`
	Role     string `json:"role"`
	// LicenseType is the portal's userLicenseTypeId, e.g. "creatorUT" or
	// "locationPlatformUT".
	LicenseType string `json:"userLicenseTypeId"`
}

// Session is an authenticated identity. It is read-only once acquired.
type Session struct {
	Portal  string
	Token   string
	Expires time.Time
	User    User
}

func (s *Session) Username() string { return s.User.Username }

// CanSharePublicly reports whether the license tier allows public items.
// Location platform accounts cannot share publicly.
func (s *Session) CanSharePublicly() bool {
	return !strings.HasPrefix(strings.ToLower(s.User.LicenseType), "location")
}

// SignIn exchanges a username and password for a token and loads the user.
func (c *Client) SignIn(ctx context.Context, username, password string) (*Session, error) {
	if username == "" || password == "" {
		return nil, fault.Configuration("USERNAME/PASSWORD", "username and password are required")
	}

	params := url.Values{}
	params.Set("username", username)
	params.Set("password", password)
	params.Set("referer", c.referer())
	params.Set("client", "referer")
	params.Set("expiration", strconv.Itoa(tokenExpiration))

	var resp struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := c.write(ctx, "signIn", c.portal+"/generateToken", params, &resp); err != nil {
		return nil, asAuth(err)
	}
	if resp.Token == "" {
		return nil, fault.New(fault.KindAuthentication, "signIn", username, "portal returned no token")
	}

	sess, err := c.FromToken(ctx, resp.Token)
	if err != nil {
		return nil, err
	}
	if resp.Expires > 0 {
		sess.Expires = time.UnixMilli(resp.Expires)
	}
	return sess, nil
}

// FromToken builds a session from an existing token by asking the portal who
// it belongs to.
func (c *Client) FromToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, fault.Configuration("ACCESS_TOKEN", "an access token is required")
	}
	user, err := c.withToken(token).GetUser(ctx)
	if err != nil {
		return nil, asAuth(err)
	}
	if user.Username == "" {
		return nil, fault.New(fault.KindAuthentication, "fromToken", "", "token is not associated with a user")
	}
	return &Session{Portal: c.portal, Token: token, User: *user}, nil
}

// GetUser returns the user behind the client's token.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.read(ctx, "getUser", c.portal+"/community/self", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) referer() string {
	u, err := url.Parse(c.portal)
	if err != nil || u.Host == "" {
		return "portalflow"
	}
	return u.Scheme + "://" + u.Host
}

// asAuth reports 4xx failures during sign-in as authentication errors.
func asAuth(err error) error {
	fe := fault.As(err)
	if fe == nil || fe.Kind != fault.KindRemoteRequest {
		return err
	}
	if (fe.Status >= 400 && fe.Status < 500) || (fe.Code >= 400 && fe.Code < 500) {
		return fault.Reclassify(err, fault.KindAuthentication)
	}
	return err
}
