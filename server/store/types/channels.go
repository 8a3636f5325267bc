package types

import "encoding/json"

// ChannelScope enumerates the broadcast topic variants.
type ChannelScope string

const (
	ScopeAllTables  ChannelScope = "allTables"
	ScopeAllQueries ChannelScope = "allQueries"
	ScopeAllScripts ChannelScope = "allScripts"
	ScopeTable      ChannelScope = "table"
	ScopeQuery      ChannelScope = "query"
	ScopeScript     ChannelScope = "script"
	ScopeTableData  ChannelScope = "tableData"
)

// Channel is a broadcast topic used both as a subscription target and a
// dispatch address. Channels are created implicitly on first publish or
// subscribe and are never deleted. The struct is comparable so it can be
// used as a map key.
type Channel struct {
	Scope ChannelScope `json:"scope"`
	// Name of the table/query/script the channel is scoped to. Empty for
	// the kind-wide channels.
	Name string `json:"name,omitempty"`
}

// AllEntities is the kind-wide channel: every create/update/delete of an
// entity of the given kind is dispatched here.
func AllEntities(kind EntityKind) Channel {
	switch kind {
	case KindQuery:
		return Channel{Scope: ScopeAllQueries}
	case KindScript:
		return Channel{Scope: ScopeAllScripts}
	default:
		return Channel{Scope: ScopeAllTables}
	}
}

// EntityChannel addresses changes of one named entity.
func EntityChannel(kind EntityKind, name string) Channel {
	switch kind {
	case KindQuery:
		return Channel{Scope: ScopeQuery, Name: name}
	case KindScript:
		return Channel{Scope: ScopeScript, Name: name}
	default:
		return Channel{Scope: ScopeTable, Name: name}
	}
}

// TableDataChannel addresses row-level changes of one dynamic table.
func TableDataChannel(table string) Channel {
	return Channel{Scope: ScopeTableData, Name: table}
}

// RequiredPermission maps a channel to the capability a principal must hold
// to subscribe to it or to list its subscribers.
func (c Channel) RequiredPermission() Permission {
	switch c.Scope {
	case ScopeTable, ScopeAllTables:
		return ReadEntity(KindTable, c.Name)
	case ScopeQuery, ScopeAllQueries:
		return ReadEntity(KindQuery, c.Name)
	case ScopeScript, ScopeAllScripts:
		return ReadEntity(KindScript, c.Name)
	case ScopeTableData:
		return GetTableData(c.Name)
	default:
		return Permission{}
	}
}

// Key is the canonical serialized form of the channel, used by storage
// adapters as the channel lookup key.
func (c Channel) Key() (string, error) {
	key, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(key), nil
}
