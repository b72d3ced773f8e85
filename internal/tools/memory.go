package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zclaw/internal/memory"
	"zclaw/internal/storage"
)

func (r *Registry) memoryTools() []Tool {
	return []Tool{
		{
			Name:        "memory_set",
			Description: "Store a value in persistent user memory. Key must start with u_.",
			Schema: objSchema(map[string]any{
				"key":   prop("string", "User key (max 15 chars, must start with u_)"),
				"value": prop("string", "Value to store"),
			}, "key", "value"),
			run: r.memorySet,
		},
		{
			Name:        "memory_get",
			Description: "Retrieve a value from persistent user memory. Key must start with u_.",
			Schema: objSchema(map[string]any{
				"key": prop("string", "User key to retrieve (must start with u_)"),
			}, "key"),
			run: r.memoryGet,
		},
		{
			Name:        "memory_list",
			Description: "List all user memory keys (u_*).",
			Schema:      objSchema(map[string]any{}),
			run:         r.memoryList,
		},
		{
			Name:        "memory_delete",
			Description: "Delete a key from persistent user memory. Key must start with u_.",
			Schema: objSchema(map[string]any{
				"key": prop("string", "User key to delete (must start with u_)"),
			}, "key"),
			run: r.memoryDelete,
		},
	}
}

func (r *Registry) memorySet(ctx context.Context, args map[string]any) (string, error) {
	key, ok := stringArg(args, "key")
	if !ok {
		return "", errors.New("'key' required (string)")
	}
	value, ok := stringArg(args, "value")
	if !ok {
		return "", errors.New("'value' required (string)")
	}
	if err := r.deps.Memory.Set(ctx, key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("Saved: %s = %s", key, value), nil
}

func (r *Registry) memoryGet(ctx context.Context, args map[string]any) (string, error) {
	key, ok := stringArg(args, "key")
	if !ok {
		return "", errors.New("'key' required (string)")
	}
	value, err := r.deps.Memory.Get(ctx, key)
	if errors.Is(err, memory.ErrNotFound) {
		return fmt.Sprintf("Key '%s' not found", key), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s", key, value), nil
}

func (r *Registry) memoryList(ctx context.Context, args map[string]any) (string, error) {
	keys, err := r.deps.Memory.List(ctx)
	if errors.Is(err, storage.ErrDisabled) {
		return "No stored keys", nil
	}
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "No stored keys", nil
	}
	return "Stored keys: " + strings.Join(keys, ", "), nil
}

func (r *Registry) memoryDelete(ctx context.Context, args map[string]any) (string, error) {
	key, ok := stringArg(args, "key")
	if !ok {
		return "", errors.New("'key' required (string)")
	}
	err := r.deps.Memory.Delete(ctx, key)
	if errors.Is(err, memory.ErrNotFound) {
		return fmt.Sprintf("Key not found: %s", key), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted: %s", key), nil
}
