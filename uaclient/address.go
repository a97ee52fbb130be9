package uaclient

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

type RelativePathElement struct {
	ReferenceType   NodeId
	IsInverse       bool
	IncludeSubtypes bool
	TargetName      QualifiedName
}

func (self RelativePathElement) String() string {
	direction := "/"
	if self.IsInverse {
		direction = "<"
	}
	return fmt.Sprintf("%s%s[%s]", direction, self.TargetName, self.ReferenceType)
}

// a child hop over hierarchical references
func ChildElement(namespaceUri string, name string) RelativePathElement {
	return RelativePathElement{
		ReferenceType:   HierarchicalReferences,
		IncludeSubtypes: true,
		TargetName: QualifiedName{
			NamespaceUri: namespaceUri,
			Name:         name,
		},
	}
}

type addressKind int

const (
	addressKindEmpty    addressKind = 0
	addressKindAbsolute addressKind = 1
	addressKindRelative addressKind = 2
)

// an immutable description of a remote node, either
// an absolute (server uri, namespace uri, identifier) or
// a relative path from a starting address.
// The zero value is the empty address.
type Address struct {
	kind addressKind

	serverUri    string
	namespaceUri string
	identifier   string

	start *Address
	path  []RelativePathElement
}

func NewAbsoluteAddress(serverUri string, namespaceUri string, identifier string) Address {
	return Address{
		kind:         addressKindAbsolute,
		serverUri:    serverUri,
		namespaceUri: namespaceUri,
		identifier:   identifier,
	}
}

func NewRelativeAddress(start Address, path ...RelativePathElement) Address {
	startCopy := start
	return Address{
		kind:  addressKindRelative,
		start: &startCopy,
		path:  append([]RelativePathElement{}, path...),
	}
}

func (self Address) IsEmpty() bool {
	return self.kind == addressKindEmpty
}

func (self Address) IsAbsolute() bool {
	return self.kind == addressKindAbsolute
}

func (self Address) IsRelative() bool {
	return self.kind == addressKindRelative
}

// the server uri of the absolute root of the address
func (self Address) ServerUri() string {
	switch self.kind {
	case addressKindAbsolute:
		return self.serverUri
	case addressKindRelative:
		return self.start.ServerUri()
	default:
		return ""
	}
}

func (self Address) NamespaceUri() string {
	return self.namespaceUri
}

func (self Address) Identifier() string {
	return self.identifier
}

// the starting address of a relative address
func (self Address) Start() (Address, bool) {
	if self.kind != addressKindRelative {
		return Address{}, false
	}
	return *self.start, true
}

func (self Address) Path() []RelativePathElement {
	return append([]RelativePathElement{}, self.path...)
}

// canonical form, usable as a map key
func (self Address) Key() string {
	return self.String()
}

func (self Address) String() string {
	switch self.kind {
	case addressKindAbsolute:
		return fmt.Sprintf("%s|%s|%s", self.serverUri, self.namespaceUri, self.identifier)
	case addressKindRelative:
		var b strings.Builder
		b.WriteString("(")
		b.WriteString(self.start.String())
		b.WriteString(")")
		for _, element := range self.path {
			b.WriteString(element.String())
		}
		return b.String()
	default:
		return "<empty>"
	}
}

// validates the address shape without any server interaction
func (self Address) validate() Status {
	switch self.kind {
	case addressKindEmpty:
		return NewStatus(CodeEmptyAddress, "empty address")
	case addressKindAbsolute:
		if self.serverUri == "" {
			return NewStatus(CodeInvalidAddress, "missing server uri")
		}
		if err := validateIdentifier(self.identifier); err != nil {
			return NewStatus(CodeInvalidAddress, "%s", err)
		}
		return GoodStatus()
	case addressKindRelative:
		if len(self.path) == 0 {
			return NewStatus(CodeInvalidAddress, "relative address without path elements")
		}
		for _, element := range self.path {
			if element.TargetName.Name == "" {
				return NewStatus(CodeInvalidAddress, "path element without target name")
			}
		}
		return self.start.validate()
	default:
		return NewStatus(CodeInvalidAddress, "unknown address kind")
	}
}

func validateIdentifier(identifier string) error {
	if len(identifier) < 2 || identifier[1] != '=' {
		return fmt.Errorf("identifier must have the form i=, s=, g= or b= (%s)", identifier)
	}
	value := identifier[2:]
	switch identifier[0] {
	case 'i':
		if _, err := strconv.ParseUint(value, 10, 32); err != nil {
			return fmt.Errorf("bad numeric identifier %s", identifier)
		}
	case 's':
		if value == "" {
			return fmt.Errorf("empty string identifier")
		}
	case 'g':
		if _, err := parseUuid(value); err != nil {
			return fmt.Errorf("bad guid identifier %s", identifier)
		}
	case 'b':
		if _, err := base64.StdEncoding.DecodeString(value); err != nil {
			return fmt.Errorf("bad opaque identifier %s", identifier)
		}
	default:
		return fmt.Errorf("unknown identifier type %c", identifier[0])
	}
	return nil
}
