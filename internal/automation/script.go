//go:build !no_automation

package automation

import "time"

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation stored as a .lua file. The first line of the file
// is a Lua comment carrying the JSON-encoded ScriptMeta.
type Script struct {
	ID        string     `json:"id"` // filename stem
	Meta      ScriptMeta `json:"meta"`
	LuaCode   string     `json:"lua_code"`
	UpdatedAt time.Time  `json:"updated_at"`
	FilePath  string     `json:"-"`
}
