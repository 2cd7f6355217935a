// Package presence tracks login activity per subject and detects anomalies:
// a first login of the day, an IP change, or a login from a new device. The
// security channel turns detected changes into alerts on the subject's room.
package presence

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TrackRequest carries one login observation.
type TrackRequest struct {
	SubjectID string
	DeviceID  string
	IP        string
	UserAgent string
}

// ChangeEvent describes a detected activity change.
type ChangeEvent struct {
	SubjectID  string
	DeviceID   string
	Triggers   []string // e.g. ["daily_login", "ip_change", "device_change"]
	IP         string
	PrevIP     string
	UserAgent  string
	UAHash     string
	PrevUAHash string
	Timestamp  int64
}

// OnChangeFunc is called asynchronously when a change is detected.
type OnChangeFunc func(event *ChangeEvent)

type l1Entry struct {
	ip       string
	uaHash   string
	deviceID string
	date     string
	expiry   time.Time
}

// Tracker provides two-level caching (L1 in-process, L2 Redis) for login
// activity. When a change is detected it invokes the registered callback
// asynchronously.
type Tracker struct {
	redisClient *redis.Client
	onChange    OnChangeFunc

	l1    sync.Map // map[string]*l1Entry
	l1TTL time.Duration

	redisKeyPrefix  string
	l2TTL           time.Duration
	cleanupInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new Tracker. The onChange callback is invoked in a separate
// goroutine whenever a trackable change is detected.
func New(redisClient *redis.Client, onChange OnChangeFunc, opts ...Option) *Tracker {
	t := &Tracker{
		redisClient:     redisClient,
		onChange:        onChange,
		l1TTL:           5 * time.Minute,
		redisKeyPrefix:  "presence",
		l2TTL:           30 * 24 * time.Hour,
		cleanupInterval: 10 * time.Minute,
		stopCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}

	t.wg.Add(1)
	go t.cleanupLoop(t.cleanupInterval)

	return t
}

// Track records one login observation for the subject. It is safe to call
// concurrently from multiple goroutines.
func (t *Tracker) Track(ctx context.Context, req *TrackRequest) {
	uaHash := hashUA(req.UserAgent)
	date := time.Now().UTC().Format("2006-01-02")

	if v, ok := t.l1.Load(req.SubjectID); ok {
		entry := v.(*l1Entry)
		if time.Now().Before(entry.expiry) &&
			entry.date == date &&
			entry.ip == req.IP &&
			entry.uaHash == uaHash &&
			entry.deviceID == req.DeviceID {
			return // no change
		}
	}

	redisKey := fmt.Sprintf("%s:%s", t.redisKeyPrefix, req.SubjectID)
	cached, err := t.redisClient.HGetAll(ctx, redisKey).Result()

	var triggers []string
	var prevIP, prevUAHash string

	if err != nil || len(cached) == 0 {
		// No L2 entry, first login or expired history.
		triggers = append(triggers, "daily_login")
	} else {
		prevIP = cached["ip"]
		prevUAHash = cached["ua_hash"]
		prevDevice := cached["device_id"]
		cachedDate := cached["date"]

		if cachedDate != date {
			triggers = append(triggers, "daily_login")
		}
		if prevIP != "" && prevIP != req.IP {
			triggers = append(triggers, "ip_change")
		}
		if prevUAHash != "" && prevUAHash != uaHash {
			triggers = append(triggers, "device_change")
		} else if prevDevice != "" && prevDevice != req.DeviceID {
			triggers = append(triggers, "device_change")
		}

		// L2 exists but nothing changed, just refresh L1 and return.
		if len(triggers) == 0 {
			t.storeL1(req, uaHash, date)
			return
		}
	}

	t.storeL1(req, uaHash, date)

	t.redisClient.HSet(ctx, redisKey, map[string]interface{}{
		"ip":        req.IP,
		"ua_hash":   uaHash,
		"device_id": req.DeviceID,
		"date":      date,
	})
	t.redisClient.Expire(ctx, redisKey, t.l2TTL)

	if t.onChange != nil && len(triggers) > 0 {
		event := &ChangeEvent{
			SubjectID:  req.SubjectID,
			DeviceID:   req.DeviceID,
			Triggers:   triggers,
			IP:         req.IP,
			PrevIP:     prevIP,
			UserAgent:  req.UserAgent,
			UAHash:     uaHash,
			PrevUAHash: prevUAHash,
			Timestamp:  time.Now().UnixMilli(),
		}
		go t.onChange(event)
	}
}

// Stop shuts down the background cleanup goroutine.
func (t *Tracker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracker) storeL1(req *TrackRequest, uaHash, date string) {
	t.l1.Store(req.SubjectID, &l1Entry{
		ip:       req.IP,
		uaHash:   uaHash,
		deviceID: req.DeviceID,
		date:     date,
		expiry:   time.Now().Add(t.l1TTL),
	})
}

func (t *Tracker) cleanupLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			t.l1.Range(func(key, value any) bool {
				entry := value.(*l1Entry)
				if now.After(entry.expiry) {
					t.l1.Delete(key)
				}
				return true
			})
		case <-t.stopCh:
			return
		}
	}
}

func hashUA(ua string) string {
	h := sha256.Sum256([]byte(ua))
	return fmt.Sprintf("%x", h[:8]) // 16 hex chars
}
