package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"macropad-service/internal/logger"
	"macropad-service/internal/types"

	"github.com/redis/go-redis/v9"
)

type Callbacks struct {
	MacroSetCallback      func(id int, direction string, text string) error // direction is "down" or "up"
	MacroClearCallback    func(id int) error
	MacroClearAllCallback func() error
	ChordAddCallback      func(keyMask uint32, text string) error
	ChordRemoveCallback   func(keyMask uint32) error
	ChordClearCallback    func() error
	ChordListCallback     func() error
	ModifierSetCallback   func(id int, isModifier bool) error
	ModifierClearCallback func() error
	SaveCallback          func() error
	LoadCallback          func() error
	SettingsCallback      func(string) error // setting key that was updated (e.g. "macropad.chord-window")
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		callbacks: callbacks,
		logger:    l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetCallbacks installs the command callbacks; must be called before
// StartListening.
func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.logger.Infof("Redis connection failed: %v", err)
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")
	return nil
}

// StartListening starts all Redis listeners after system initialization is complete
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	// Subscribe to pub/sub channels for settings updates
	pubsub := r.client.Subscribe(r.ctx, "settings")
	r.logger.Infof("Subscribed to Redis channels: settings")

	r.wg.Add(1)
	go r.redisListener(pubsub)

	// Start list command listeners for LPUSH commands
	r.wg.Add(4)
	go r.listCommandListener("macropad:macro", r.handleMacroCommand)
	go r.listCommandListener("macropad:chord", r.handleChordCommand)
	go r.listCommandListener("macropad:modifier", r.handleModifierCommand)
	go r.listCommandListener("macropad:config", r.handleConfigCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// Use BRPOP with a short timeout to allow periodic context cancellation checks
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					// Timeout elapsed, loop back to check context
					continue
				}
				if err == context.Canceled {
					r.logger.Infof("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Infof("Error reading from %s list: %v", key, err)
				continue
			}

			select {
			case <-r.ctx.Done():
				r.logger.Infof("Context cancelled, exiting %s listener", key)
				return
			default:
				if len(result) >= 2 { // BRPOP returns [key, value]
					value := result[1]
					r.logger.Debugf("Received command from %s: %s", key, value)
					if err := handler(value); err != nil {
						r.logger.Warnf("Error handling %s command: %v", key, err)
					}
				}
			}
		}
	}
}

// handleMacroCommand processes "set <id> down|up <text...>", "clear <id>"
// and "clear-all".
func (r *RedisClient) handleMacroCommand(value string) error {
	fields := strings.SplitN(value, " ", 4)
	switch fields[0] {
	case "set":
		if r.callbacks.MacroSetCallback == nil {
			return nil
		}
		if len(fields) < 4 {
			return fmt.Errorf("invalid macro set command: %s", value)
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid macro switch id %q: %w", fields[1], err)
		}
		direction := fields[2]
		if direction != "down" && direction != "up" {
			return fmt.Errorf("invalid macro direction %q", direction)
		}
		return r.callbacks.MacroSetCallback(id, direction, fields[3])

	case "clear":
		if r.callbacks.MacroClearCallback == nil {
			return nil
		}
		if len(fields) < 2 {
			return fmt.Errorf("invalid macro clear command: %s", value)
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid macro switch id %q: %w", fields[1], err)
		}
		return r.callbacks.MacroClearCallback(id)

	case "clear-all":
		if r.callbacks.MacroClearAllCallback == nil {
			return nil
		}
		return r.callbacks.MacroClearAllCallback()

	default:
		r.logger.Infof("Invalid macro command value: %s", value)
		return fmt.Errorf("invalid macro command: %s", value)
	}
}

// handleChordCommand processes "add <mask-hex> <text...>", "remove
// <mask-hex>", "clear" and "list". Masks are hexadecimal, with or without
// a 0x prefix.
func (r *RedisClient) handleChordCommand(value string) error {
	fields := strings.SplitN(value, " ", 3)
	switch fields[0] {
	case "add":
		if r.callbacks.ChordAddCallback == nil {
			return nil
		}
		if len(fields) < 3 {
			return fmt.Errorf("invalid chord add command: %s", value)
		}
		mask, err := parseMask(fields[1])
		if err != nil {
			return err
		}
		return r.callbacks.ChordAddCallback(mask, fields[2])

	case "remove":
		if r.callbacks.ChordRemoveCallback == nil {
			return nil
		}
		if len(fields) < 2 {
			return fmt.Errorf("invalid chord remove command: %s", value)
		}
		mask, err := parseMask(fields[1])
		if err != nil {
			return err
		}
		return r.callbacks.ChordRemoveCallback(mask)

	case "clear":
		if r.callbacks.ChordClearCallback == nil {
			return nil
		}
		return r.callbacks.ChordClearCallback()

	case "list":
		if r.callbacks.ChordListCallback == nil {
			return nil
		}
		return r.callbacks.ChordListCallback()

	default:
		r.logger.Infof("Invalid chord command value: %s", value)
		return fmt.Errorf("invalid chord command: %s", value)
	}
}

// handleModifierCommand processes "set <id>", "unset <id>" and "clear".
func (r *RedisClient) handleModifierCommand(value string) error {
	fields := strings.SplitN(value, " ", 2)
	switch fields[0] {
	case "set", "unset":
		if r.callbacks.ModifierSetCallback == nil {
			return nil
		}
		if len(fields) < 2 {
			return fmt.Errorf("invalid modifier command: %s", value)
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid modifier switch id %q: %w", fields[1], err)
		}
		return r.callbacks.ModifierSetCallback(id, fields[0] == "set")

	case "clear":
		if r.callbacks.ModifierClearCallback == nil {
			return nil
		}
		return r.callbacks.ModifierClearCallback()

	default:
		r.logger.Infof("Invalid modifier command value: %s", value)
		return fmt.Errorf("invalid modifier command: %s", value)
	}
}

func (r *RedisClient) handleConfigCommand(value string) error {
	switch value {
	case "save":
		if r.callbacks.SaveCallback == nil {
			return nil
		}
		return r.callbacks.SaveCallback()
	case "load":
		if r.callbacks.LoadCallback == nil {
			return nil
		}
		return r.callbacks.LoadCallback()
	default:
		r.logger.Infof("Invalid config command value: %s", value)
		return fmt.Errorf("invalid config command: %s", value)
	}
}

func parseMask(s string) (uint32, error) {
	mask, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid key mask %q: %w", s, err)
	}
	return uint32(mask), nil
}

func (r *RedisClient) redisListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	r.logger.Infof("Starting Redis message listener")
	channel := pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting listener")
			return
		case msg, ok := <-channel:
			if !ok {
				r.logger.Infof("Redis channel closed unexpectedly")
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}
			if msg == nil {
				r.logger.Infof("Received nil Redis message")
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}

			r.logger.Debugf("Received Redis message: channel=%s payload=%s", msg.Channel, msg.Payload)

			switch msg.Channel {
			case "settings":
				if r.callbacks.SettingsCallback != nil {
					r.logger.Infof("Processing settings update: %s", msg.Payload)
					if err := r.callbacks.SettingsCallback(msg.Payload); err != nil {
						r.logger.Infof("Failed to handle settings update: %v", err)
					}
				}
			}
		}
	}
}

// publishHashSet is a helper that atomically updates a hash field and publishes a notification
func (r *RedisClient) publishHashSet(hash, field string, value interface{}, channel, payload string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hash, field, value)
	pipe.Publish(r.ctx, channel, payload)
	_, err := pipe.Exec(r.ctx)
	return err
}

// PublishWindowState publishes the chord window state to the macropad hash.
func (r *RedisClient) PublishWindowState(state types.WindowState) error {
	r.logger.Debugf("Publishing window state: %s", state)
	if err := r.publishHashSet("macropad", "state", string(state), "macropad", "state"); err != nil {
		r.logger.Warnf("Failed to publish window state: %v", err)
		return err
	}
	return nil
}

// PublishModifierMask publishes the current modifier switch mask.
func (r *RedisClient) PublishModifierMask(mask uint32) error {
	r.logger.Debugf("Publishing modifier mask: %#x", mask)
	value := fmt.Sprintf("%#x", mask)
	if err := r.publishHashSet("macropad", "modifier:mask", value, "macropad", "modifier:mask"); err != nil {
		r.logger.Warnf("Failed to publish modifier mask: %v", err)
		return err
	}
	return nil
}

// PublishChordCount publishes the number of stored chords.
func (r *RedisClient) PublishChordCount(count int) error {
	r.logger.Debugf("Publishing chord count: %d", count)
	if err := r.publishHashSet("macropad", "chord:count", count, "macropad", "chord:count"); err != nil {
		r.logger.Warnf("Failed to publish chord count: %v", err)
		return err
	}
	return nil
}

// PublishChordList replaces the chord:<mask> fields of the macropad hash
// with the given entries (decoded sequence text keyed by hex mask) and
// notifies subscribers once.
func (r *RedisClient) PublishChordList(entries map[uint32]string) error {
	r.logger.Debugf("Publishing %d chord list entries", len(entries))

	existing, err := r.client.HKeys(r.ctx, "macropad").Result()
	if err != nil {
		r.logger.Warnf("Failed to read macropad hash fields: %v", err)
		return err
	}

	pipe := r.client.Pipeline()
	for _, field := range existing {
		if strings.HasPrefix(field, "chord:0x") {
			pipe.HDel(r.ctx, "macropad", field)
		}
	}
	for mask, text := range entries {
		pipe.HSet(r.ctx, "macropad", fmt.Sprintf("chord:%#x", mask), text)
	}
	pipe.Publish(r.ctx, "macropad", "chord:list")
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to publish chord list: %v", err)
		return err
	}
	return nil
}

// PublishSaveResult publishes the outcome of a persistence save.
func (r *RedisClient) PublishSaveResult(ok bool) error {
	value := "ok"
	if !ok {
		value = "failed"
	}
	if err := r.publishHashSet("macropad", "save:result", value, "macropad", "save:result"); err != nil {
		r.logger.Warnf("Failed to publish save result: %v", err)
		return err
	}
	return nil
}

// GetSetting reads a settings hash field, empty string when unset.
func (r *RedisClient) GetSetting(key string) (string, error) {
	value, err := r.client.HGet(r.ctx, "settings", key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	// Wait for all goroutines to finish with a timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Infof("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
