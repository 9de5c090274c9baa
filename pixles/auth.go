package pixles

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/jellydator/ttlcache/v3"
)

// the opaque "resolve caller identity" collaborator: durable visitor tokens
// are HS256 JWTs whose subject is the identity id. Both the websocket
// identify path and the REST bearer path resolve through the same verifier.

const visitorTokenIssuer = "pixles"

type TokenAuthoritySettings struct {
	TokenTtl time.Duration

	// verified token cache, REST calls re-present the same bearer token
	CacheTtl      time.Duration
	CacheCapacity uint64
}

func DefaultTokenAuthoritySettings() *TokenAuthoritySettings {
	return &TokenAuthoritySettings{
		TokenTtl:      365 * 24 * time.Hour,
		CacheTtl:      5 * time.Minute,
		CacheCapacity: 10_000,
	}
}

type TokenAuthority struct {
	secret   []byte
	settings *TokenAuthoritySettings

	cache *ttlcache.Cache[string, Id]
}

func NewTokenAuthorityWithDefaults(secret []byte) *TokenAuthority {
	return NewTokenAuthority(secret, DefaultTokenAuthoritySettings())
}

func NewTokenAuthority(secret []byte, settings *TokenAuthoritySettings) *TokenAuthority {
	cache := ttlcache.New[string, Id](
		ttlcache.WithTTL[string, Id](settings.CacheTtl),
		ttlcache.WithCapacity[string, Id](settings.CacheCapacity),
	)
	go cache.Start()
	return &TokenAuthority{
		secret:   secret,
		settings: settings,
		cache:    cache,
	}
}

func (self *TokenAuthority) Mint(identity Id) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"iss": visitorTokenIssuer,
		"sub": identity.String(),
		"iat": gojwt.NewNumericDate(now),
		"exp": gojwt.NewNumericDate(now.Add(self.settings.TokenTtl)),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}

func (self *TokenAuthority) Verify(tokenStr string) (Id, error) {
	if item := self.cache.Get(tokenStr); item != nil {
		return item.Value(), nil
	}

	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return self.secret, nil
		},
		gojwt.WithIssuer(visitorTokenIssuer),
	)
	if err != nil {
		return Id{}, err
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return Id{}, err
	}
	identity, err := ParseId(subject)
	if err != nil {
		return Id{}, err
	}

	self.cache.Set(tokenStr, identity, ttlcache.DefaultTTL)
	return identity, nil
}

func (self *TokenAuthority) Close() {
	self.cache.Stop()
}

// constant-time shared-secret check for the admin surface. An empty
// configured secret disables admin actions entirely.
func VerifyAdminSecret(adminSecret string, candidate string) bool {
	if adminSecret == "" {
		return false
	}
	expected := sha256.Sum256([]byte(adminSecret))
	presented := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(expected[:], presented[:]) == 1
}
