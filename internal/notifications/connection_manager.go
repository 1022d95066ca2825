package notifications

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceOnlineSetKey  = "presence:online"
	defaultPresenceLastSeenKeyNS = "presence:last_seen:"
	defaultPresenceTTL           = 90 * time.Second
	defaultOfflineGrace          = 5 * time.Second
	defaultReaperInterval        = 60 * time.Second
)

// ConnectionManagerConfig controls Redis presence and cleanup behavior.
type ConnectionManagerConfig struct {
	OnlineSetKey       string
	LastSeenKeyPrefix  string
	LastSeenTTL        time.Duration
	OfflineGracePeriod time.Duration
	ReaperInterval     time.Duration
	OnProfileOnline    func(profileID uint)
	OnProfileOffline   func(profileID uint)
}

// ConnectionManager tracks which profiles hold live connections, mirrors
// presence in Redis so other instances can see it, and emits online/offline
// transitions. A short grace window after the last disconnect suppresses the
// offline event on quick reconnects (page reloads).
type ConnectionManager struct {
	rdb *redis.Client

	mu              sync.RWMutex
	localConnCounts map[uint]int
	offlineTimers   map[uint]*time.Timer
	offlineNotified map[uint]bool

	onlineSetKey      string
	lastSeenKeyPrefix string
	lastSeenTTL       time.Duration
	offlineGrace      time.Duration
	reaperInterval    time.Duration

	onProfileOnline  func(profileID uint)
	onProfileOffline func(profileID uint)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewConnectionManager creates a manager and starts a Redis reaper when Redis is available.
func NewConnectionManager(rdb *redis.Client, cfg ConnectionManagerConfig) *ConnectionManager {
	m := &ConnectionManager{
		rdb:               rdb,
		localConnCounts:   make(map[uint]int),
		offlineTimers:     make(map[uint]*time.Timer),
		offlineNotified:   make(map[uint]bool),
		onlineSetKey:      defaultPresenceOnlineSetKey,
		lastSeenKeyPrefix: defaultPresenceLastSeenKeyNS,
		lastSeenTTL:       defaultPresenceTTL,
		offlineGrace:      defaultOfflineGrace,
		reaperInterval:    defaultReaperInterval,
		onProfileOnline:   cfg.OnProfileOnline,
		onProfileOffline:  cfg.OnProfileOffline,
		stopCh:            make(chan struct{}),
	}

	if cfg.OnlineSetKey != "" {
		m.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		m.lastSeenKeyPrefix = cfg.LastSeenKeyPrefix
	}
	if cfg.LastSeenTTL > 0 {
		m.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGracePeriod > 0 {
		m.offlineGrace = cfg.OfflineGracePeriod
	}
	if cfg.ReaperInterval > 0 {
		m.reaperInterval = cfg.ReaperInterval
	}

	if m.rdb != nil && m.reaperInterval > 0 {
		go m.reaperLoop()
	}

	return m
}

func (m *ConnectionManager) SetCallbacks(onOnline, onOffline func(profileID uint)) {
	m.mu.Lock()
	m.onProfileOnline = onOnline
	m.onProfileOffline = onOffline
	m.mu.Unlock()
}

func (m *ConnectionManager) SetOfflineGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.offlineGrace = d
	m.mu.Unlock()
}

func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for profileID, timer := range m.offlineTimers {
			if timer != nil {
				timer.Stop()
			}
			delete(m.offlineTimers, profileID)
		}
		m.mu.Unlock()
	})
}

func (m *ConnectionManager) Register(ctx context.Context, profileID uint) {
	wasOnline := m.IsOnline(ctx, profileID)

	m.mu.Lock()
	if t, ok := m.offlineTimers[profileID]; ok {
		t.Stop()
		delete(m.offlineTimers, profileID)
	}
	m.localConnCounts[profileID]++
	m.offlineNotified[profileID] = false
	m.mu.Unlock()

	m.Touch(ctx, profileID)
	if !wasOnline {
		m.emitOnline(profileID)
	}
}

// Touch refreshes the profile's Redis presence markers.
func (m *ConnectionManager) Touch(ctx context.Context, profileID uint) {
	if m.rdb == nil {
		return
	}
	pid := strconv.FormatUint(uint64(profileID), 10)
	if err := m.rdb.SAdd(ctx, m.onlineSetKey, pid).Err(); err != nil {
		log.Printf("presence touch SADD failed for profile %d: %v", profileID, err)
	}
	if err := m.rdb.SetEx(ctx, m.lastSeenKey(profileID), strconv.FormatInt(time.Now().Unix(), 10), m.lastSeenTTL).Err(); err != nil {
		log.Printf("presence touch SETEX failed for profile %d: %v", profileID, err)
	}
}

func (m *ConnectionManager) Unregister(ctx context.Context, profileID uint) {
	m.mu.Lock()
	if n, ok := m.localConnCounts[profileID]; ok {
		n--
		if n > 0 {
			m.localConnCounts[profileID] = n
			m.mu.Unlock()
			return
		}
		delete(m.localConnCounts, profileID)
	}

	if t, ok := m.offlineTimers[profileID]; ok {
		t.Stop()
	}
	grace := m.offlineGrace
	m.offlineTimers[profileID] = time.AfterFunc(grace, func() {
		m.finalizeOffline(context.Background(), profileID)
	})
	m.mu.Unlock()
}

func (m *ConnectionManager) IsOnline(ctx context.Context, profileID uint) bool {
	m.mu.RLock()
	if m.localConnCounts[profileID] > 0 {
		m.mu.RUnlock()
		return true
	}
	m.mu.RUnlock()

	if m.rdb == nil {
		return false
	}

	exists, err := m.rdb.Exists(ctx, m.lastSeenKey(profileID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// GetOnlineProfileIDs returns online profile IDs from Redis (with stale
// filtering), unioned with local connections as a fallback safety net.
func (m *ConnectionManager) GetOnlineProfileIDs(ctx context.Context) []uint {
	local := m.localProfileIDs()
	if m.rdb == nil {
		return local
	}

	members, err := m.rdb.SMembers(ctx, m.onlineSetKey).Result()
	if err != nil {
		return local
	}

	seen := make(map[uint]struct{}, len(members)+len(local))
	result := make([]uint, 0, len(members)+len(local))

	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		profileID := uint(id64)
		exists, existsErr := m.rdb.Exists(ctx, m.lastSeenKey(profileID)).Result()
		if existsErr != nil {
			continue
		}
		if exists == 0 {
			_ = m.rdb.SRem(ctx, m.onlineSetKey, raw).Err()
			continue
		}
		if _, ok := seen[profileID]; ok {
			continue
		}
		seen[profileID] = struct{}{}
		result = append(result, profileID)
	}

	for _, profileID := range local {
		if _, ok := seen[profileID]; ok {
			continue
		}
		seen[profileID] = struct{}{}
		result = append(result, profileID)
	}

	return result
}

// reapOnce is test-visible and performs one cleanup pass.
func (m *ConnectionManager) reapOnce(ctx context.Context) {
	if m.rdb == nil {
		return
	}

	members, err := m.rdb.SMembers(ctx, m.onlineSetKey).Result()
	if err != nil {
		return
	}

	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		profileID := uint(id64)
		exists, existsErr := m.rdb.Exists(ctx, m.lastSeenKey(profileID)).Result()
		if existsErr != nil {
			continue
		}
		if exists > 0 {
			continue
		}

		_ = m.rdb.SRem(ctx, m.onlineSetKey, raw).Err()

		m.mu.RLock()
		hasLocal := m.localConnCounts[profileID] > 0
		m.mu.RUnlock()
		if !hasLocal {
			m.emitOffline(profileID)
		}
	}
}

func (m *ConnectionManager) reaperLoop() {
	interval := m.reaperInterval
	if interval <= 0 {
		return
	}
	ctx := context.Background()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *ConnectionManager) finalizeOffline(ctx context.Context, profileID uint) {
	m.mu.Lock()
	if m.localConnCounts[profileID] > 0 {
		delete(m.offlineTimers, profileID)
		m.mu.Unlock()
		return
	}
	delete(m.offlineTimers, profileID)
	m.mu.Unlock()

	if m.rdb != nil {
		exists, err := m.rdb.Exists(ctx, m.lastSeenKey(profileID)).Result()
		if err == nil && exists > 0 {
			// Another process likely refreshed presence. Keep the profile online.
			return
		}
		_ = m.rdb.SRem(ctx, m.onlineSetKey, strconv.FormatUint(uint64(profileID), 10)).Err()
	}

	m.emitOffline(profileID)
}

func (m *ConnectionManager) emitOnline(profileID uint) {
	m.mu.Lock()
	m.offlineNotified[profileID] = false
	cb := m.onProfileOnline
	m.mu.Unlock()
	if cb != nil {
		cb(profileID)
	}
}

func (m *ConnectionManager) emitOffline(profileID uint) {
	m.mu.Lock()
	if m.offlineNotified[profileID] {
		m.mu.Unlock()
		return
	}
	m.offlineNotified[profileID] = true
	cb := m.onProfileOffline
	m.mu.Unlock()
	if cb != nil {
		cb(profileID)
	}
}

func (m *ConnectionManager) localProfileIDs() []uint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint, 0, len(m.localConnCounts))
	for profileID, count := range m.localConnCounts {
		if count > 0 {
			ids = append(ids, profileID)
		}
	}
	return ids
}

func (m *ConnectionManager) lastSeenKey(profileID uint) string {
	return m.lastSeenKeyPrefix + strconv.FormatUint(uint64(profileID), 10)
}
