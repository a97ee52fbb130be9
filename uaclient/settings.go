package uaclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/exp/maps"
)

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ApplicationName:             "uaclient",
		ApplicationUri:              "urn:uaclient",
		DiscoveryUrls:               []string{},
		HousekeepingInterval:        5 * time.Second,
		DiscoveryTimeout:            5 * time.Second,
		DefaultSessionSettings:      DefaultSessionSettings(),
		SpecificSessionSettings:     map[string]*SessionSettings{},
		DefaultSubscriptionSettings: DefaultSubscriptionSettings(),
	}
}

type ClientSettings struct {
	ApplicationName string `yaml:"application_name"`
	ApplicationUri  string `yaml:"application_uri"`

	DiscoveryUrls []string `yaml:"discovery_urls"`

	// cadence of discovery, reconnection and persisted request retries
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
	DiscoveryTimeout     time.Duration `yaml:"discovery_timeout"`

	DefaultSessionSettings *SessionSettings `yaml:"default_session"`
	// server uri -> session settings
	SpecificSessionSettings map[string]*SessionSettings `yaml:"sessions"`

	DefaultSubscriptionSettings *SubscriptionSettings `yaml:"default_subscription"`
}

func (self *ClientSettings) Clone() *ClientSettings {
	clone := *self
	clone.DiscoveryUrls = append([]string{}, self.DiscoveryUrls...)
	if self.DefaultSessionSettings != nil {
		clone.DefaultSessionSettings = self.DefaultSessionSettings.Clone()
	}
	clone.SpecificSessionSettings = map[string]*SessionSettings{}
	for serverUri, sessionSettings := range self.SpecificSessionSettings {
		clone.SpecificSessionSettings[serverUri] = sessionSettings.Clone()
	}
	if self.DefaultSubscriptionSettings != nil {
		subscriptionSettings := *self.DefaultSubscriptionSettings
		clone.DefaultSubscriptionSettings = &subscriptionSettings
	}
	return &clone
}

// session settings for a server, falling back to the default
func (self *ClientSettings) SessionSettingsFor(serverUri string) *SessionSettings {
	if sessionSettings, ok := self.SpecificSessionSettings[serverUri]; ok && sessionSettings != nil {
		return sessionSettings
	}
	if self.DefaultSessionSettings != nil {
		return self.DefaultSessionSettings
	}
	return DefaultSessionSettings()
}

func (self *ClientSettings) ConfiguredServerUris() []string {
	return maps.Keys(self.SpecificSessionSettings)
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		SessionTimeout: 20 * time.Minute,
		ConnectTimeout: 5 * time.Second,
		Security:       DefaultSessionSecuritySettings(),
	}
}

type SessionSettings struct {
	SessionTimeout time.Duration            `yaml:"session_timeout"`
	ConnectTimeout time.Duration            `yaml:"connect_timeout"`
	Security       *SessionSecuritySettings `yaml:"security"`
}

func (self *SessionSettings) Clone() *SessionSettings {
	clone := *self
	if self.Security != nil {
		security := *self.Security
		clone.Security = &security
	}
	return &clone
}

// sessions are shared between requests with equal keys
func (self *SessionSettings) Key() string {
	security := self.Security
	if security == nil {
		security = DefaultSessionSecuritySettings()
	}
	return fmt.Sprintf("%s|%s", self.SessionTimeout, security.Key())
}

func DefaultSessionSecuritySettings() *SessionSecuritySettings {
	return &SessionSecuritySettings{
		SecurityPolicyUri: SecurityPolicyNone,
		SecurityMode:      SecurityModeNone,
		UserTokenType:     UserTokenAnonymous,
	}
}

type SessionSecuritySettings struct {
	SecurityPolicyUri string              `yaml:"security_policy_uri"`
	SecurityMode      MessageSecurityMode `yaml:"security_mode"`

	UserTokenType UserTokenType `yaml:"user_token_type"`
	UserName      string        `yaml:"user_name"`
	Password      string        `yaml:"password"`
	// a jwt, for `UserTokenIssuedToken`
	IssuedToken string `yaml:"issued_token"`

	CertificateFile string `yaml:"certificate_file"`
	PrivateKeyFile  string `yaml:"private_key_file"`
}

// the identity relevant parts of the security settings.
// Credentials enter the key only as a fingerprint.
func (self *SessionSecuritySettings) Key() string {
	return fmt.Sprintf(
		"%s|%d|%d|%s|%s",
		self.SecurityPolicyUri,
		self.SecurityMode,
		self.UserTokenType,
		self.credentialFingerprint(),
		self.CertificateFile,
	)
}

func (self *SessionSecuritySettings) credentialFingerprint() string {
	h := sha256.New()
	for _, part := range []string{self.UserName, self.Password, self.IssuedToken} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func DefaultSubscriptionSettings() *SubscriptionSettings {
	return &SubscriptionSettings{
		PublishingInterval:         1 * time.Second,
		LifeTimeCount:              1200,
		MaxKeepAliveCount:          5,
		MaxNotificationsPerPublish: 0,
		Priority:                   0,
	}
}

type SubscriptionSettings struct {
	PublishingInterval         time.Duration `yaml:"publishing_interval"`
	LifeTimeCount              uint32        `yaml:"life_time_count"`
	MaxKeepAliveCount          uint32        `yaml:"max_keep_alive_count"`
	MaxNotificationsPerPublish uint32        `yaml:"max_notifications_per_publish"`
	Priority                   uint8         `yaml:"priority"`
}

func (self *SubscriptionSettings) Key() string {
	return fmt.Sprintf(
		"%s|%d|%d|%d|%d",
		self.PublishingInterval,
		self.LifeTimeCount,
		self.MaxKeepAliveCount,
		self.MaxNotificationsPerPublish,
		self.Priority,
	)
}

func DefaultServiceSettings() *ServiceSettings {
	return &ServiceSettings{
		CallTimeout: 10 * time.Second,
	}
}

type ServiceSettings struct {
	// enforced by the stack as a context deadline
	CallTimeout time.Duration
}

func DefaultBrowseSettings() *BrowseSettings {
	return &BrowseSettings{
		ServiceSettings:       *DefaultServiceSettings(),
		MaxReferencesToReturn: 0,
		MaxAutoBrowseNext:     100,
	}
}

type BrowseSettings struct {
	ServiceSettings
	// 0 lets the server decide
	MaxReferencesToReturn uint32
	// 0 disables automatic browse next
	MaxAutoBrowseNext int
	// release the continuation points instead of continuing (browse next only)
	ReleaseContinuationPoints bool
}

func DefaultHistoryReadRawModifiedSettings() *HistoryReadRawModifiedSettings {
	return &HistoryReadRawModifiedSettings{
		ServiceSettings: *DefaultServiceSettings(),
		MaxAutoReadMore: 0,
	}
}

type HistoryReadRawModifiedSettings struct {
	ServiceSettings
	StartTime        time.Time
	EndTime          time.Time
	NumValuesPerNode uint32
	IsReadModified   bool
	ReturnBounds     bool
	// 0 disables automatic continuation
	MaxAutoReadMore int
	// release the continuation points instead of continuing
	ReleaseContinuationPoints bool
}
