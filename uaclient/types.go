package uaclient

import (
	"fmt"
	"time"
)

const StandardNamespaceUri = "http://opcfoundation.org/UA/"

// the server namespace array node, `Server_NamespaceArray`
var NamespaceArrayNodeId = NodeId{NamespaceIndex: 0, Identifier: "i=2255"}

var (
	HierarchicalReferences = NodeId{NamespaceIndex: 0, Identifier: "i=33"}
	HasComponent           = NodeId{NamespaceIndex: 0, Identifier: "i=47"}
	HasProperty            = NodeId{NamespaceIndex: 0, Identifier: "i=46"}
	Organizes              = NodeId{NamespaceIndex: 0, Identifier: "i=35"}
)

// comparable
// a node id resolved against the namespace table of one server
type NodeId struct {
	NamespaceIndex uint16
	// text form, `i=`, `s=`, `g=` or `b=`
	Identifier string
}

func (self NodeId) String() string {
	return fmt.Sprintf("ns=%d;%s", self.NamespaceIndex, self.Identifier)
}

func (self NodeId) IsNull() bool {
	return self.Identifier == ""
}

// comparable
type QualifiedName struct {
	NamespaceUri string
	Name         string
}

func (self QualifiedName) String() string {
	if self.NamespaceUri == "" {
		return self.Name
	}
	return fmt.Sprintf("%s:%s", self.NamespaceUri, self.Name)
}

// a qualified name resolved against the namespace table of one server
type ResolvedQualifiedName struct {
	NamespaceIndex uint16
	Name           string
}

type AttributeId uint32

const (
	AttributeNodeId        AttributeId = 1
	AttributeNodeClass     AttributeId = 2
	AttributeBrowseName    AttributeId = 3
	AttributeDisplayName   AttributeId = 4
	AttributeDescription   AttributeId = 5
	AttributeEventNotifier AttributeId = 12
	AttributeValue         AttributeId = 13
	AttributeDataType      AttributeId = 14
	AttributeAccessLevel   AttributeId = 17
)

type DataValue struct {
	// opaque typed payload
	Value           any
	Status          StatusCode
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

type BrowseDirection int

const (
	BrowseForward BrowseDirection = 0
	BrowseInverse BrowseDirection = 1
	BrowseBoth    BrowseDirection = 2
)

type ReferenceDescription struct {
	ReferenceTypeId NodeId
	IsForward       bool
	NodeId          NodeId
	// the uri of the target namespace, if the server reports it
	NamespaceUri   string
	BrowseName     ResolvedQualifiedName
	DisplayName    string
	NodeClass      uint32
	TypeDefinition NodeId
}

type ModificationInfo struct {
	ModificationTime time.Time
	UpdateType       int
	UserName         string
}

type MonitoringMode int

const (
	MonitoringModeReporting MonitoringMode = 2
	MonitoringModeSampling  MonitoringMode = 1
	MonitoringModeDisabled  MonitoringMode = 0
)

type DeadbandType int

const (
	DeadbandNone     DeadbandType = 0
	DeadbandAbsolute DeadbandType = 1
	DeadbandPercent  DeadbandType = 2
)

type SimpleAttributeOperand struct {
	TypeDefinitionId NodeId
	BrowsePath       []QualifiedName
	AttributeId      AttributeId
}

type MessageSecurityMode int

const (
	SecurityModeInvalid        MessageSecurityMode = 0
	SecurityModeNone           MessageSecurityMode = 1
	SecurityModeSign           MessageSecurityMode = 2
	SecurityModeSignAndEncrypt MessageSecurityMode = 3
)

const (
	SecurityPolicyNone           = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyBasic256Sha256 = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
)

type UserTokenType int

const (
	UserTokenAnonymous   UserTokenType = 0
	UserTokenUserName    UserTokenType = 1
	UserTokenCertificate UserTokenType = 2
	UserTokenIssuedToken UserTokenType = 3
)

type UserTokenPolicy struct {
	PolicyId  string
	TokenType UserTokenType
}

type EndpointDescription struct {
	EndpointUrl       string
	ServerUri         string
	ServerName        string
	SecurityPolicyUri string
	SecurityMode      MessageSecurityMode
	SecurityLevel     uint8
	UserTokenPolicies []UserTokenPolicy
	// the discovery url the endpoint was found at
	DiscoveryUrl string
}

func (self *EndpointDescription) supportsUserToken(tokenType UserTokenType) bool {
	for _, policy := range self.UserTokenPolicies {
		if policy.TokenType == tokenType {
			return true
		}
	}
	return false
}
