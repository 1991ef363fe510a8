package libiscsi

import "github.com/scaleoutsean/libiscsi-go/idbm"

// ValidateAuthInfo checks auth without touching any state. A nil auth or
// AuthNone is always valid. AuthCHAP needs a username and a password, and a
// reverse password whenever a reverse username is given.
func ValidateAuthInfo(auth *AuthInfo) error {
	if auth == nil {
		return nil
	}
	switch auth.Method {
	case AuthNone:
		return nil
	case AuthCHAP:
		switch {
		case auth.CHAP.Username == "":
			return newError(ErrInvalidArgument, "Empty username")
		case auth.CHAP.Password == "":
			return newError(ErrInvalidArgument, "Empty password")
		case auth.CHAP.ReverseUsername != "" && auth.CHAP.ReversePassword == "":
			return newError(ErrInvalidArgument, "Empty reverse password")
		}
		return nil
	default:
		return newError(ErrInvalidArgument, "Invalid authentication method: %d", int(auth.Method))
	}
}

// VerifyAuthInfo is ValidateAuthInfo with the failure recorded in c.
func (c *Context) VerifyAuthInfo(auth *AuthInfo) error {
	c.begin()
	return c.finish("verify_auth", ValidateAuthInfo(auth))
}

func checkAuthLen(auth *AuthInfo) error {
	if auth == nil || auth.Method != AuthCHAP {
		return nil
	}
	for _, f := range []struct{ what, v string }{
		{"CHAP username", auth.CHAP.Username},
		{"CHAP password", auth.CHAP.Password},
		{"reverse CHAP username", auth.CHAP.ReverseUsername},
		{"reverse CHAP password", auth.CHAP.ReversePassword},
	} {
		if err := checkLen(f.what, f.v, AuthStrMaxLen); err != nil {
			return err
		}
	}
	return nil
}

// SetAuth stores auth on every record bound to node. AuthNone clears the
// stored credentials.
func (c *Context) SetAuth(node Node, auth *AuthInfo) error {
	c.begin()
	return c.finish("set_auth", c.setAuth(node, auth))
}

func (c *Context) setAuth(node Node, auth *AuthInfo) error {
	if err := ValidateAuthInfo(auth); err != nil {
		return err
	}
	if err := checkAuthLen(auth); err != nil {
		return err
	}
	params := []idbm.Param{
		{Name: paramAuthMethod, Value: idbm.AuthMethodNone},
		{Name: paramUsername},
		{Name: paramPassword},
		{Name: paramUsernameIn},
		{Name: paramPasswordIn},
	}
	if auth != nil && auth.Method == AuthCHAP {
		params[0].Value = idbm.AuthMethodCHAP
		params[1].Value = auth.CHAP.Username
		params[2].Value = auth.CHAP.Password
		params[3].Value = auth.CHAP.ReverseUsername
		params[4].Value = auth.CHAP.ReversePassword
	}
	for _, p := range params {
		if err := c.setParameter(node, p.Name, p.Value); err != nil {
			return err
		}
	}
	return nil
}

// GetAuth reads the authentication stored for node.
func (c *Context) GetAuth(node Node) (*AuthInfo, error) {
	c.begin()
	auth, err := c.getAuth(node)
	if err = c.finish("get_auth", err); err != nil {
		return nil, err
	}
	return auth, nil
}

func (c *Context) getAuth(node Node) (*AuthInfo, error) {
	method, err := c.getParameter(node, paramAuthMethod)
	if err != nil {
		return nil, err
	}
	switch method {
	case idbm.AuthMethodNone:
		return &AuthInfo{Method: AuthNone}, nil
	case idbm.AuthMethodCHAP:
		auth := &AuthInfo{Method: AuthCHAP}
		for _, f := range []struct {
			name string
			dst  *string
		}{
			{paramUsername, &auth.CHAP.Username},
			{paramPassword, &auth.CHAP.Password},
			{paramUsernameIn, &auth.CHAP.ReverseUsername},
			{paramPasswordIn, &auth.CHAP.ReversePassword},
		} {
			if *f.dst, err = c.getParameter(node, f.name); err != nil {
				return nil, err
			}
		}
		return auth, nil
	default:
		return nil, newError(ErrInvalidArgument, "unknown authentication method: %s", method)
	}
}
