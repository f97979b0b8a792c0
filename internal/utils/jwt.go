package utils // package utils mints the tokens the API's JWT middleware accepts

import (
    "errors"
    "time"

    "github.com/golang-jwt/jwt/v5"
)

// AccessToken is a signed JWT together with its expiry.
type AccessToken struct {
    Token string    // the serialized JWT string
    Exp   time.Time // the UTC expiration time
}

// NewAccessToken signs an HS256 JWT whose subject is the occupant id and
// whose role claim is role (PASSENGER, DRIVER or ADMIN).  Session issuance
// is owned by an external identity service; this is used by fleetctl and
// in tests.
func NewAccessToken(secret, subject, role string, ttl time.Duration) (AccessToken, error) {
    if subject == "" {
        return AccessToken{}, errors.New("token subject is required")
    }
    if ttl <= 0 {
        ttl = time.Hour
    }
    now := time.Now().UTC()
    exp := now.Add(ttl)
    claims := jwt.MapClaims{
        "sub":  subject,
        "role": role,
        "exp":  exp.Unix(),
        "iat":  now.Unix(),
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
    if err != nil {
        return AccessToken{}, err
    }
    return AccessToken{Token: signed, Exp: exp}, nil
}
