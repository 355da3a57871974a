package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	ActionPull = "pull"
	ActionPush = "push"
	ActionAll  = "*"
)

var (
	// ErrInvalidScope is returned when a scope parameter cannot be decoded.
	ErrInvalidScope = errors.New("unable to decode repository and actions")
	// ErrNamespaceDisabled is returned when a scope targets a disabled namespace.
	ErrNamespaceDisabled = errors.New("namespace has been disabled")
	// ErrRepositoryUnknown is returned when a scope targets a repository pending deletion.
	ErrRepositoryUnknown = errors.New("unknown repository")
	// ErrUnsupportedRepositoryKind is returned when a scope targets an application repository.
	ErrUnsupportedRepositoryKind = errors.New("repository is not for container images")
)

// NameInvalidError is returned when a scope names a repository that violates the naming rules.
type NameInvalidError struct {
	Name   string
	Nested bool
}

func (e NameInvalidError) Error() string {
	if e.Nested {
		return fmt.Sprintf("nested repositories are not supported, found: %s", e.Name)
	}
	return fmt.Sprintf("invalid repository name: %s", e.Name)
}

// ResourceActions is an entry of the access claim of a token.
type ResourceActions struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Scope is a decoded `repository:<name>:<actions>` scope parameter.
type Scope struct {
	// RegistryAndRepository is the name as requested, including the registry host if it was given.
	RegistryAndRepository string
	Namespace             string
	Repository            string
	Actions               []string
}

// Path returns the namespace qualified repository name.
func (s *Scope) Path() string {
	return s.Namespace + "/" + s.Repository
}

// Requests reports whether the scope asks for action.
func (s *Scope) Requests(action string) bool {
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// ScopeOptions configures scope parsing.
type ScopeOptions struct {
	// Hostname is the externally reachable registry host, allowed as a prefix of repository names.
	Hostname string
	// LibraryNamespace is the namespace of single component repository names.
	LibraryNamespace string
	// ExtendedNames allows repository names with more than one path component.
	ExtendedNames bool
}

var repositoryComponent = regexp.MustCompile(`^[a-z0-9][.a-z0-9_-]{0,254}$`)

// ScopeParser decodes scope parameters.
type ScopeParser struct {
	opts ScopeOptions
	re   *regexp.Regexp
}

// NewScopeParser builds a parser for the given options.
func NewScopeParser(opts ScopeOptions) *ScopeParser {
	host := regexp.QuoteMeta(opts.Hostname)
	re := regexp.MustCompile(`^repository:((?:` + host + `\/)?((?:[.a-zA-Z0-9_\-]+\/)*[.a-zA-Z0-9_\-]+)):((?:push|pull|\*)(?:,(?:push|pull|\*))*)$`)
	return &ScopeParser{opts: opts, re: re}
}

// ParseScope decodes a single scope parameter.
func ParseScope(scope string, opts ScopeOptions) (*Scope, error) {
	return NewScopeParser(opts).Parse(scope)
}

// Parse decodes a single scope parameter.
func (p *ScopeParser) Parse(scope string) (*Scope, error) {
	m := p.re.FindStringSubmatch(scope)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScope, scope)
	}

	namespace, repository, err := p.SplitName(m[2])
	if err != nil {
		return nil, err
	}

	return &Scope{
		RegistryAndRepository: m[1],
		Namespace:             namespace,
		Repository:            repository,
		Actions:               uniqueActions(strings.Split(m[3], ",")),
	}, nil
}

// SplitName splits a repository name into its namespace and repository, applying the library namespace to single
// component names and enforcing the naming rules.
func (p *ScopeParser) SplitName(name string) (string, string, error) {
	parts := strings.Split(name, "/")
	namespace := p.opts.LibraryNamespace
	if len(parts) > 1 {
		namespace, parts = parts[0], parts[1:]
	}

	if len(parts) > 1 && !p.opts.ExtendedNames {
		return "", "", NameInvalidError{Name: name, Nested: true}
	}
	for _, c := range parts {
		if !repositoryComponent.MatchString(c) {
			return "", "", NameInvalidError{Name: name}
		}
	}
	if !repositoryComponent.MatchString(namespace) {
		return "", "", NameInvalidError{Name: name}
	}

	return namespace, strings.Join(parts, "/"), nil
}

func uniqueActions(actions []string) []string {
	seen := make(map[string]struct{}, len(actions))
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
