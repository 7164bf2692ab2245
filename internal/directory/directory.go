// Package directory is the narrow client for the character/account
// directory. The directory's data is owned elsewhere (character service);
// routing only reads a character's scene binding and clears the in-instance
// flag when it self-heals a dangling reference.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when an account has no selected character
var ErrNotFound = errors.New("directory: not found")

// RoutingState is the slice of character state routing depends on
type RoutingState struct {
	CharacterID int64
	// SceneName is the open-world scene the character is bound to
	SceneName string
	// InstanceID references a scene instance when InInstance is set
	InstanceID string
	// InInstance marks that the character belongs to an instanced scene
	InInstance bool
}

// Directory exposes the character directory calls routing needs
type Directory interface {
	// RoutingStateForAccount resolves the account's selected character's
	// routing state. ErrNotFound means the account has no character
	// selected, which is impossible for a correctly behaving client after
	// authentication.
	RoutingStateForAccount(ctx context.Context, accountID int64) (*RoutingState, error)

	// ClearInstanceFlag clears a character's in-instance marker after the
	// referenced instance turned out not to exist
	ClearInstanceFlag(ctx context.Context, characterID int64) error
}

// RedisDirectory reads the character directory out of the same Redis the
// character service writes to.
//
//	dir:account:<accountID>     selected character id
//	dir:character:<charID>      hash: scene_name, instance_id, in_instance
type RedisDirectory struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisDirectory creates a directory client on an existing Redis client
func NewRedisDirectory(rdb *redis.Client, prefix string) *RedisDirectory {
	return &RedisDirectory{rdb: rdb, prefix: prefix}
}

func (d *RedisDirectory) accountKey(accountID int64) string {
	return fmt.Sprintf("%sdir:account:%d", d.prefix, accountID)
}

func (d *RedisDirectory) characterKey(characterID int64) string {
	return fmt.Sprintf("%sdir:character:%d", d.prefix, characterID)
}

func (d *RedisDirectory) ticketKey(accountID int64) string {
	return fmt.Sprintf("%sdir:ticket:%d", d.prefix, accountID)
}

// ErrBadTicket is returned when a presented session ticket does not match
// the one issued at login
var ErrBadTicket = errors.New("directory: bad session ticket")

// ValidateTicket checks the session ticket the login service issued for this
// account. Tickets expire with their Redis key, so a missing key and a
// mismatched value are the same failure.
func (d *RedisDirectory) ValidateTicket(ctx context.Context, accountID int64, ticket string) error {
	if ticket == "" {
		return ErrBadTicket
	}
	stored, err := d.rdb.Get(ctx, d.ticketKey(accountID)).Result()
	if err == redis.Nil {
		return ErrBadTicket
	}
	if err != nil {
		return fmt.Errorf("failed to read ticket for account %d: %w", accountID, err)
	}
	if stored != ticket {
		return ErrBadTicket
	}
	return nil
}

// RoutingStateForAccount resolves the selected character's routing state
func (d *RedisDirectory) RoutingStateForAccount(ctx context.Context, accountID int64) (*RoutingState, error) {
	charIDStr, err := d.rdb.Get(ctx, d.accountKey(accountID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %d: %w", accountID, err)
	}

	characterID, err := strconv.ParseInt(charIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt character id for account %d: %w", accountID, err)
	}

	fields, err := d.rdb.HGetAll(ctx, d.characterKey(characterID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read character %d: %w", characterID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return &RoutingState{
		CharacterID: characterID,
		SceneName:   fields["scene_name"],
		InstanceID:  fields["instance_id"],
		InInstance:  fields["in_instance"] == "1",
	}, nil
}

// ClearInstanceFlag clears the in-instance marker and its instance reference
func (d *RedisDirectory) ClearInstanceFlag(ctx context.Context, characterID int64) error {
	err := d.rdb.HSet(ctx, d.characterKey(characterID),
		"in_instance", "0",
		"instance_id", "",
	).Err()
	if err != nil {
		return fmt.Errorf("failed to clear instance flag for character %d: %w", characterID, err)
	}
	return nil
}
