package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"zclaw/internal/cron"
	"zclaw/internal/storage"
	logx "zclaw/pkg/logx"
)

const (
	maxUserTools = 8

	maxToolNameLen = 23
	maxToolDescLen = 128

	userToolPrefix = "tools/"
)

var errToolNotFound = errors.New("user tool not found")

// UserTool is a model-defined alias: calling it hands its action back to
// the model as an instruction.
type UserTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Action      string `json:"action"`
}

// userTools holds the dynamic tool table. Mutations persist before they
// are visible; a failed write rolls the table back.
type userTools struct {
	store     storage.Store
	isBuiltin func(string) bool
	log       logx.Logger

	mu    sync.Mutex
	tools []UserTool
}

func newUserTools(store storage.Store, isBuiltin func(string) bool, log logx.Logger) *userTools {
	return &userTools{store: store, isBuiltin: isBuiltin, log: log}
}

// load restores persisted tools in name order. Corrupt blobs, built-in
// collisions and overflow entries are skipped, not fatal.
func (u *userTools) load(ctx context.Context) {
	if u.store == nil {
		return
	}
	keys, err := u.store.Keys(ctx, userToolPrefix)
	if err != nil {
		u.log.Warn("load user tools failed", logx.Err(err))
		return
	}
	sort.Strings(keys)

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, k := range keys {
		if len(u.tools) >= maxUserTools {
			break
		}
		blob, ok, err := u.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var t UserTool
		if err := json.Unmarshal(blob, &t); err != nil || t.Name == "" {
			u.log.Warn("skipping corrupt user tool", logx.String("key", k))
			continue
		}
		if u.isBuiltin(t.Name) || u.findLocked(t.Name) >= 0 {
			continue
		}
		u.tools = append(u.tools, t)
	}
	if len(u.tools) > 0 {
		u.log.Info("loaded user tools", logx.Int("count", len(u.tools)))
	}
}

func (u *userTools) create(ctx context.Context, name, description, action string) error {
	if name == "" || len(name) > maxToolNameLen {
		u.log.Warn("invalid tool name length", logx.String("tool", name))
		return errors.New("invalid tool name length")
	}
	if u.isBuiltin(name) {
		u.log.Warn("tool name collides with built-in", logx.String("tool", name))
		return errors.New("tool name collides with built-in")
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.findLocked(name) >= 0 {
		u.log.Warn("tool already exists", logx.String("tool", name))
		return errors.New("tool already exists")
	}
	if len(u.tools) >= maxUserTools {
		u.log.Warn("max user tools reached", logx.Int("max", maxUserTools))
		return errors.New("max user tools reached")
	}

	t := UserTool{
		Name:        name,
		Description: truncateRunes(description, maxToolDescLen),
		Action:      truncateRunes(action, cron.MaxActionLen),
	}
	u.tools = append(u.tools, t)

	if err := u.persist(ctx, t); err != nil {
		u.tools = u.tools[:len(u.tools)-1]
		u.log.Error("persist user tool failed", logx.String("tool", name), logx.Err(err))
		return err
	}
	u.log.Info("created user tool", logx.String("tool", name))
	return nil
}

func (u *userTools) delete(ctx context.Context, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	i := u.findLocked(name)
	if i < 0 {
		return errToolNotFound
	}

	prev := append([]UserTool(nil), u.tools...)
	u.tools = append(u.tools[:i], u.tools[i+1:]...)

	if u.store != nil {
		if err := u.store.Delete(ctx, userToolPrefix+name); err != nil {
			u.tools = prev
			u.log.Error("persist user tool deletion failed", logx.String("tool", name), logx.Err(err))
			return err
		}
	}
	u.log.Info("deleted user tool", logx.String("tool", name))
	return nil
}

func (u *userTools) find(name string) (UserTool, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if i := u.findLocked(name); i >= 0 {
		return u.tools[i], true
	}
	return UserTool{}, false
}

func (u *userTools) all() []UserTool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]UserTool(nil), u.tools...)
}

func (u *userTools) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.tools)
}

// findLocked expects u.mu held.
func (u *userTools) findLocked(name string) int {
	for i := range u.tools {
		if u.tools[i].Name == name {
			return i
		}
	}
	return -1
}

func (u *userTools) persist(ctx context.Context, t UserTool) error {
	if u.store == nil {
		return nil
	}
	blob, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return u.store.Set(ctx, userToolPrefix+t.Name, blob)
}

// truncateRunes caps s at max bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// ---- management handlers ----

func (r *Registry) managementTools() []Tool {
	return []Tool{
		{
			Name: "create_tool",
			Description: "Create a custom tool. Provide a short name (no spaces), brief description, " +
				"and the action to perform when called.",
			Schema: objSchema(map[string]any{
				"name":        prop("string", "Tool name (alphanumeric, no spaces)"),
				"description": prop("string", "Short description for tool list"),
				"action":      prop("string", "What to do when tool is called"),
			}, "name", "description", "action"),
			run: r.createTool,
		},
		{
			Name:        "list_user_tools",
			Description: "List all user-created custom tools.",
			Schema:      objSchema(map[string]any{}),
			run:         r.listUserTools,
		},
		{
			Name:        "delete_user_tool",
			Description: "Delete a user-created custom tool by name.",
			Schema: objSchema(map[string]any{
				"name": prop("string", "Tool name to delete"),
			}, "name"),
			run: r.deleteUserTool,
		},
	}
}

func (r *Registry) createTool(ctx context.Context, args map[string]any) (string, error) {
	name, ok := stringArg(args, "name")
	if !ok {
		return "", errors.New("'name' required (string, no spaces)")
	}
	description, ok := stringArg(args, "description")
	if !ok {
		return "", errors.New("'description' required (short description)")
	}
	action, ok := stringArg(args, "action")
	if !ok {
		return "", errors.New("'action' required (what to do when called)")
	}
	if !validToolName(name) {
		return "", errors.New("name must be alphanumeric/underscore, no spaces")
	}

	if err := r.user.create(ctx, name, description, action); err != nil {
		return "", errors.New("failed to create tool (duplicate or limit reached)")
	}
	return fmt.Sprintf("Created tool '%s': %s", name, description), nil
}

func (r *Registry) listUserTools(ctx context.Context, args map[string]any) (string, error) {
	tools := r.user.all()
	if len(tools) == 0 {
		return "No user tools defined", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "User tools (%d):", len(tools))
	for _, t := range tools {
		fmt.Fprintf(&b, "\n  %s - %s", t.Name, t.Description)
	}
	return b.String(), nil
}

func (r *Registry) deleteUserTool(ctx context.Context, args map[string]any) (string, error) {
	name, ok := stringArg(args, "name")
	if !ok {
		return "", errors.New("'name' required")
	}
	err := r.user.delete(ctx, name)
	switch {
	case err == nil:
		return fmt.Sprintf("Deleted tool '%s'", name), nil
	case errors.Is(err, errToolNotFound):
		return fmt.Sprintf("Tool '%s' not found", name), nil
	default:
		return "", errors.New("failed to delete tool")
	}
}

// validToolName accepts ASCII letters, digits and underscore. The empty
// name passes here and fails the length check in create.
func validToolName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}
