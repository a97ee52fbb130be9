package uaclient

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// reads client settings from a yaml file.
// Missing values take the defaults.
func LoadClientSettings(path string) (*ClientSettings, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return ParseClientSettings(content)
}

func ParseClientSettings(content []byte) (*ClientSettings, error) {
	settings := DefaultClientSettings()
	if err := yaml.Unmarshal(content, settings); err != nil {
		return nil, NewStatus(CodeInvalidSettings, "%s", err).Err()
	}
	settings.normalize()
	if status := ValidateClientSettings(settings); !status.IsGood() {
		return nil, status.Err()
	}
	return settings, nil
}

// fills zero values with defaults
func (self *ClientSettings) normalize() {
	defaults := DefaultClientSettings()
	if self.HousekeepingInterval <= 0 {
		self.HousekeepingInterval = defaults.HousekeepingInterval
	}
	if self.DiscoveryTimeout <= 0 {
		self.DiscoveryTimeout = defaults.DiscoveryTimeout
	}
	if self.DefaultSessionSettings == nil {
		self.DefaultSessionSettings = DefaultSessionSettings()
	}
	self.DefaultSessionSettings.normalize()
	if self.SpecificSessionSettings == nil {
		self.SpecificSessionSettings = map[string]*SessionSettings{}
	}
	for serverUri, sessionSettings := range self.SpecificSessionSettings {
		if sessionSettings == nil {
			self.SpecificSessionSettings[serverUri] = self.DefaultSessionSettings.Clone()
		} else {
			sessionSettings.normalize()
		}
	}
	if self.DefaultSubscriptionSettings == nil {
		self.DefaultSubscriptionSettings = DefaultSubscriptionSettings()
	}
}

func (self *SessionSettings) normalize() {
	defaults := DefaultSessionSettings()
	if self.SessionTimeout <= 0 {
		self.SessionTimeout = defaults.SessionTimeout
	}
	if self.ConnectTimeout <= 0 {
		self.ConnectTimeout = defaults.ConnectTimeout
	}
	if self.Security == nil {
		self.Security = defaults.Security
	} else if self.Security.SecurityPolicyUri == "" {
		self.Security.SecurityPolicyUri = SecurityPolicyNone
	}
	if self.Security.SecurityMode == SecurityModeInvalid {
		self.Security.SecurityMode = SecurityModeNone
	}
}

// checks settings before any network activity
func ValidateClientSettings(settings *ClientSettings) Status {
	for _, discoveryUrl := range settings.DiscoveryUrls {
		if _, err := url.Parse(discoveryUrl); err != nil || discoveryUrl == "" {
			return NewStatus(CodeInvalidSettings, "bad discovery url \"%s\"", discoveryUrl)
		}
	}
	if settings.HousekeepingInterval <= 0 {
		return NewStatus(CodeInvalidSettings, "housekeeping interval must be positive")
	}
	if status := ValidateSessionSettings(settings.DefaultSessionSettings); !status.IsGood() {
		return status
	}
	for serverUri, sessionSettings := range settings.SpecificSessionSettings {
		if status := ValidateSessionSettings(sessionSettings); !status.IsGood() {
			status.Message = fmt.Sprintf("%s: %s", serverUri, status.Message)
			return status
		}
	}
	return GoodStatus()
}

func ValidateSessionSettings(sessionSettings *SessionSettings) Status {
	if sessionSettings == nil || sessionSettings.Security == nil {
		return GoodStatus()
	}
	security := sessionSettings.Security
	if security.SecurityPolicyUri == SecurityPolicyNone && security.SecurityMode != SecurityModeNone {
		return NewStatus(CodeInvalidSettings, "security policy None requires security mode None")
	}
	if security.SecurityMode != SecurityModeNone && (security.CertificateFile == "" || security.PrivateKeyFile == "") {
		return NewStatus(CodeInvalidSettings, "signed sessions require a certificate and a private key")
	}
	switch security.UserTokenType {
	case UserTokenAnonymous:
	case UserTokenUserName:
		if security.UserName == "" {
			return NewStatus(CodeInvalidSettings, "user name token without user name")
		}
	case UserTokenCertificate:
		if security.CertificateFile == "" {
			return NewStatus(CodeInvalidSettings, "certificate token without certificate")
		}
	case UserTokenIssuedToken:
		issuedToken, err := ParseIssuedTokenUnverified(security.IssuedToken)
		if err != nil {
			return NewStatus(CodeInvalidSettings, "bad issued token: %s", err)
		}
		if issuedToken.IsExpired(time.Now()) {
			return NewStatus(CodeInvalidSettings, "issued token for %s expired at %s", issuedToken.Subject, issuedToken.ExpiresAt)
		}
	default:
		return NewStatus(CodeInvalidSettings, "unknown user token type %d", security.UserTokenType)
	}
	return GoodStatus()
}

// the claims of an issued user identity token that the client checks locally.
// The server verifies the signature.
type IssuedToken struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

func (self *IssuedToken) IsExpired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

func ParseIssuedTokenUnverified(jwt string) (*IssuedToken, error) {
	if jwt == "" {
		return nil, errors.New("empty token")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	issuedToken := &IssuedToken{}
	if subject, err := claims.GetSubject(); err == nil {
		issuedToken.Subject = subject
	}
	if issuer, err := claims.GetIssuer(); err == nil {
		issuedToken.Issuer = issuer
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		issuedToken.ExpiresAt = expiresAt.Time
	}
	return issuedToken, nil
}

var securityModeNames = map[string]MessageSecurityMode{
	"none":           SecurityModeNone,
	"sign":           SecurityModeSign,
	"signandencrypt": SecurityModeSignAndEncrypt,
}

// accepts the mode name or number
func (self *MessageSecurityMode) UnmarshalYAML(value *yaml.Node) error {
	if mode, ok := securityModeNames[strings.ToLower(value.Value)]; ok {
		*self = mode
		return nil
	}
	var n int
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("unknown security mode \"%s\"", value.Value)
	}
	*self = MessageSecurityMode(n)
	return nil
}

var userTokenTypeNames = map[string]UserTokenType{
	"anonymous":   UserTokenAnonymous,
	"username":    UserTokenUserName,
	"certificate": UserTokenCertificate,
	"issuedtoken": UserTokenIssuedToken,
}

// accepts the token type name or number
func (self *UserTokenType) UnmarshalYAML(value *yaml.Node) error {
	if tokenType, ok := userTokenTypeNames[strings.ToLower(value.Value)]; ok {
		*self = tokenType
		return nil
	}
	var n int
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("unknown user token type \"%s\"", value.Value)
	}
	*self = UserTokenType(n)
	return nil
}
