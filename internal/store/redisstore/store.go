// Package redisstore implements store.Store on Redis. User records are
// hashes, the seeking pool is a set per gender, and every mutation of
// chat_partner runs inside a Lua script so it is atomic on the server.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

const (
	// Redis key patterns.
	KeyPrefix          = "pairbot:"
	keyUserPrefix      = KeyPrefix + "user:"            // + <id> -> Hash
	keyUsers           = KeyPrefix + "users"            // Set of all user ids
	keySeeking         = KeyPrefix + "seeking"          // Set of seeking user ids
	keySeekingPrefix   = KeyPrefix + "seeking:"         // + <gender> -> Set
	keySessionPrefix   = KeyPrefix + "session:"         // + <session id> -> Hash
	keyActivePrefix    = KeyPrefix + "active:"          // + <id> -> active session id
	keyActiveSessions  = KeyPrefix + "sessions:active"  // Set of active session ids
	keyVip             = KeyPrefix + "vip"              // Sorted set, score = vip_until (unix)
	keyReferralsPrefix = KeyPrefix + "referrals:"       // + <referrer id> -> Set of referred ids
	keyGroups          = KeyPrefix + "groups"           // Hash group id -> JSON
	keyAdmins          = KeyPrefix + "admins"           // Hash user id -> JSON
	keyMessageLog      = KeyPrefix + "modlog"           // Stream of moderation copies
	keyMessageCount    = KeyPrefix + "stats:messages"   // Counter

	messageLogMaxLen = 100000

	// Candidates over-samples the pool because some members may have
	// become unseekable (blocked, profile reset) since they joined it.
	candidateOversample = 4
)

// Store is a Redis-backed store.Store.
type Store struct {
	rdb *redis.Client

	createScript     *redis.Script
	updateScript     *redis.Script
	incrScript       *redis.Script
	profileScript    *redis.Script
	setVipScript     *redis.Script
	expireVipScript  *redis.Script
	setLookingScript *redis.Script
	pairScript       *redis.Script
	endScript        *redis.Script
	deleteScript     *redis.Script
}

var _ store.Store = (*Store)(nil)

// NewStore creates a store on an existing client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:              rdb,
		createScript:     redis.NewScript(createUserLua),
		updateScript:     redis.NewScript(updateLua),
		incrScript:       redis.NewScript(incrLua),
		profileScript:    redis.NewScript(profileLua),
		setVipScript:     redis.NewScript(setVipLua),
		expireVipScript:  redis.NewScript(expireVipLua),
		setLookingScript: redis.NewScript(setLookingLua),
		pairScript:       redis.NewScript(pairLua),
		endScript:        redis.NewScript(endSessionLua),
		deleteScript:     redis.NewScript(deleteUserLua),
	}
}

func userKey(id int64) string     { return keyUserPrefix + strconv.FormatInt(id, 10) }
func activeKey(id int64) string   { return keyActivePrefix + strconv.FormatInt(id, 10) }
func seekingKey(g model.Gender) string {
	if g == model.GenderUnset {
		return keySeeking
	}
	return keySeekingPrefix + string(g)
}

func seekingKeys() []string {
	return []string{keySeeking, seekingKey(model.GenderMale), seekingKey(model.GenderFemale)}
}

func b2s(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *Store) Close() error                   { return s.rdb.Close() }

// userRecord mirrors the user hash layout.
type userRecord struct {
	ID               int64  `redis:"id"`
	Username         string `redis:"username"`
	FirstName        string `redis:"first_name"`
	LastName         string `redis:"last_name"`
	Gender           string `redis:"gender"`
	Age              int    `redis:"age"`
	Country          string `redis:"country"`
	AgreedTerms      bool   `redis:"agreed_terms"`
	ProfileCompleted bool   `redis:"profile_completed"`
	IsBlocked        bool   `redis:"is_blocked"`
	IsVip            bool   `redis:"is_vip"`
	VipUntil         int64  `redis:"vip_until"`
	ReferredBy       int64  `redis:"referred_by"`
	ReferralCount    int    `redis:"referral_count"`
	PartnerFilter    string `redis:"partner_filter"`
	ChatPartner      int64  `redis:"chat_partner"`
	Looking          bool   `redis:"looking"`
	CreatedAt        int64  `redis:"created_at"`
}

func (r *userRecord) toModel() *model.User {
	u := &model.User{
		ID:               r.ID,
		Username:         r.Username,
		FirstName:        r.FirstName,
		LastName:         r.LastName,
		Gender:           model.Gender(r.Gender),
		Age:              r.Age,
		Country:          r.Country,
		AgreedTerms:      r.AgreedTerms,
		ProfileCompleted: r.ProfileCompleted,
		IsBlocked:        r.IsBlocked,
		IsVip:            r.IsVip,
		ReferredBy:       r.ReferredBy,
		ReferralCount:    r.ReferralCount,
		PartnerFilter:    model.Gender(r.PartnerFilter),
		ChatPartner:      r.ChatPartner,
		LookingForChat:   r.Looking,
		CreatedAt:        time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.VipUntil > 0 {
		t := time.Unix(r.VipUntil, 0).UTC()
		u.VipUntil = &t
	}
	return u
}

func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	cmd := s.rdb.HGetAll(ctx, userKey(id))
	result, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get user %d: %w", id, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("redisstore: user %d: %w", id, store.ErrNotFound)
	}
	var rec userRecord
	if err := cmd.Scan(&rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode user %d: %w", id, err)
	}
	return rec.toModel(), nil
}

func (s *Store) CreateUser(ctx context.Context, u model.User) (bool, error) {
	var vipUntil int64
	if u.VipUntil != nil {
		vipUntil = u.VipUntil.Unix()
	}
	fields := []interface{}{
		"id", u.ID,
		"username", u.Username,
		"first_name", u.FirstName,
		"last_name", u.LastName,
		"gender", string(u.Gender),
		"age", u.Age,
		"country", u.Country,
		"agreed_terms", b2s(u.AgreedTerms),
		"profile_completed", b2s(u.ProfileCompleted),
		"is_blocked", b2s(u.IsBlocked),
		"is_vip", b2s(u.IsVip),
		"vip_until", vipUntil,
		"referred_by", u.ReferredBy,
		"referral_count", u.ReferralCount,
		"partner_filter", string(u.PartnerFilter),
		"chat_partner", u.ChatPartner,
		"looking", b2s(u.LookingForChat),
		"created_at", u.CreatedAt.Unix(),
	}
	vipScore := int64(0)
	if u.IsVip {
		vipScore = vipUntil
	}
	args := append([]interface{}{u.ID, u.ReferredBy, vipScore}, fields...)
	keys := []string{userKey(u.ID), keyUsers, keyReferralsPrefix + strconv.FormatInt(u.ReferredBy, 10), keyVip}

	n, err := s.createScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: create user %d: %w", u.ID, err)
	}
	return n == 1, nil
}

// runOnUser runs a user-scoped script and maps -1 to ErrNotFound.
func (s *Store) runOnUser(ctx context.Context, op string, id int64, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	n, err := script.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("redisstore: %s %d: %w", op, id, err)
	}
	if n == -1 {
		return 0, fmt.Errorf("redisstore: %s %d: %w", op, id, store.ErrNotFound)
	}
	return n, nil
}

func (s *Store) update(ctx context.Context, op string, id int64, fields ...interface{}) error {
	_, err := s.runOnUser(ctx, op, id, s.updateScript, []string{userKey(id)}, fields...)
	return err
}

func (s *Store) SaveProfile(ctx context.Context, id int64, p model.Profile) error {
	keys := []string{userKey(id), seekingKey(model.GenderMale), seekingKey(model.GenderFemale)}
	_, err := s.runOnUser(ctx, "save profile", id, s.profileScript, keys, id, string(p.Gender), p.Age, p.Country)
	return err
}

func (s *Store) SetAgreedTerms(ctx context.Context, id int64, agreed bool) error {
	return s.update(ctx, "set agreed terms", id, "agreed_terms", b2s(agreed))
}

func (s *Store) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	return s.update(ctx, "set blocked", id, "is_blocked", b2s(blocked))
}

func (s *Store) SetPartnerFilter(ctx context.Context, id int64, g model.Gender) error {
	return s.update(ctx, "set partner filter", id, "partner_filter", string(g))
}

func (s *Store) SetVip(ctx context.Context, id int64, until time.Time) error {
	_, err := s.runOnUser(ctx, "set vip", id, s.setVipScript, []string{userKey(id), keyVip}, id, until.Unix())
	return err
}

func (s *Store) ExpireVip(ctx context.Context, id int64, now time.Time) (bool, error) {
	n, err := s.runOnUser(ctx, "expire vip", id, s.expireVipScript, []string{userKey(id), keyVip}, id, now.Unix())
	return n == 1, err
}

// ExpireAllVip walks the VIP index up to now, the same way stale pending
// chats are swept by score.
func (s *Store) ExpireAllVip(ctx context.Context, now time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, keyVip, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: expire all vip: %w", err)
	}

	var expired int64
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.rdb.ZRem(ctx, keyVip, raw)
			continue
		}
		ok, err := s.ExpireVip(ctx, id, now)
		if errors.Is(err, store.ErrNotFound) {
			s.rdb.ZRem(ctx, keyVip, raw)
			continue
		}
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Store) IncrementReferrals(ctx context.Context, id int64) error {
	_, err := s.runOnUser(ctx, "increment referrals", id, s.incrScript, []string{userKey(id)}, "referral_count", 1)
	return err
}

func (s *Store) SetLooking(ctx context.Context, id int64, looking bool) (bool, error) {
	keys := append([]string{userKey(id)}, seekingKeys()...)
	n, err := s.runOnUser(ctx, "set looking", id, s.setLookingScript, keys, id, b2s(looking))
	return n == 1, err
}

func (s *Store) Candidates(ctx context.Context, requester int64, g model.Gender, limit int) ([]int64, error) {
	key := seekingKey(g)

	var raw []string
	var err error
	if limit > 0 {
		raw, err = s.rdb.SRandMemberN(ctx, key, int64(limit*candidateOversample)).Result()
	} else {
		raw, err = s.rdb.SMembers(ctx, key).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: candidates for %d: %w", requester, err)
	}

	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil || id == requester {
			continue
		}
		ids = append(ids, id)
	}

	// Pool membership is a hint; the user hash is the truth.
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, userKey(id),
			"chat_partner", "looking", "is_blocked", "profile_completed", "agreed_terms", "gender")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: candidates for %d: %w", requester, err)
	}

	out := make([]int64, 0, len(ids))
	for i, cmd := range cmds {
		v := cmd.Val()
		if len(v) != 6 {
			continue
		}
		partner, _ := v[0].(string)
		if partner != "" && partner != "0" {
			continue
		}
		if v[1] != "1" || v[2] == "1" || v[3] != "1" || v[4] != "1" {
			continue
		}
		if g != model.GenderUnset && v[5] != string(g) {
			continue
		}
		out = append(out, ids[i])
	}

	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Pair(ctx context.Context, requester, candidate int64, g model.Gender, sessionID string, now time.Time) (store.PairOutcome, error) {
	keys := []string{
		userKey(requester),
		userKey(candidate),
		keySeeking,
		seekingKey(model.GenderMale),
		seekingKey(model.GenderFemale),
		keySessionPrefix + sessionID,
		activeKey(requester),
		activeKey(candidate),
		keyActiveSessions,
	}
	n, err := s.pairScript.Run(ctx, s.rdb, keys, requester, candidate, string(g), now.Unix(), sessionID).Int()
	if err != nil {
		return store.PairAlreadyTaken, fmt.Errorf("redisstore: pair %d<->%d: %w", requester, candidate, err)
	}
	switch n {
	case 1:
		return store.PairPaired, nil
	case -1:
		return store.PairNotFound, nil
	}
	return store.PairAlreadyTaken, nil
}

func (s *Store) EndSession(ctx context.Context, id int64, now time.Time) (int64, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return 0, err
	}
	if !u.InSession() {
		return 0, store.ErrNotInSession
	}

	res, err := s.end(ctx, id, u.ChatPartner, now)
	if err != nil {
		return 0, err
	}
	switch res {
	case 0:
		return 0, store.ErrNotInSession
	case 2:
		return u.ChatPartner, fmt.Errorf("redisstore: end session %d<->%d: %w", id, u.ChatPartner, store.ErrInconsistent)
	}
	return u.ChatPartner, nil
}

func (s *Store) end(ctx context.Context, id, partner int64, now time.Time) (int, error) {
	sid, err := s.rdb.Get(ctx, activeKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redisstore: end session %d: %w", id, err)
	}

	keys := []string{
		userKey(id),
		userKey(partner),
		activeKey(id),
		activeKey(partner),
		keySessionPrefix + sid,
		keyActiveSessions,
	}
	res, err := s.endScript.Run(ctx, s.rdb, keys, strconv.FormatInt(id, 10), strconv.FormatInt(partner, 10), sid, now.Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("redisstore: end session %d: %w", id, err)
	}
	return res, nil
}

type sessionRecord struct {
	ID        string `redis:"id"`
	UserA     int64  `redis:"user_a"`
	UserB     int64  `redis:"user_b"`
	StartedAt int64  `redis:"started_at"`
	EndedAt   int64  `redis:"ended_at"`
	Active    bool   `redis:"active"`
}

func (s *Store) ActiveSession(ctx context.Context, id int64) (*model.ChatSession, error) {
	sid, err := s.rdb.Get(ctx, activeKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: active session of %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: active session of %d: %w", id, err)
	}

	cmd := s.rdb.HGetAll(ctx, keySessionPrefix+sid)
	if err := cmd.Err(); err != nil {
		return nil, fmt.Errorf("redisstore: session %s: %w", sid, err)
	}
	if len(cmd.Val()) == 0 {
		return nil, fmt.Errorf("redisstore: session %s: %w", sid, store.ErrNotFound)
	}
	var rec sessionRecord
	if err := cmd.Scan(&rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode session %s: %w", sid, err)
	}

	sess := &model.ChatSession{
		ID:        rec.ID,
		UserA:     rec.UserA,
		UserB:     rec.UserB,
		StartedAt: time.Unix(rec.StartedAt, 0).UTC(),
		Active:    rec.Active,
	}
	if rec.EndedAt > 0 {
		t := time.Unix(rec.EndedAt, 0).UTC()
		sess.EndedAt = &t
	}
	return sess, nil
}

func (s *Store) DeleteUser(ctx context.Context, id int64, now time.Time) (int64, error) {
	keys := append([]string{userKey(id), keyUsers, keyVip, keyAdmins, keyActiveSessions}, seekingKeys()...)
	raw, err := s.deleteScript.Run(ctx, s.rdb, keys, strconv.FormatInt(id, 10), KeyPrefix, now.Unix()).Text()
	if err != nil {
		return 0, fmt.Errorf("redisstore: delete user %d: %w", id, err)
	}
	partner, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redisstore: delete user %d: bad reply %q: %w", id, raw, err)
	}
	if partner == -1 {
		return 0, fmt.Errorf("redisstore: delete user %d: %w", id, store.ErrNotFound)
	}
	return partner, nil
}

type groupRecord struct {
	Link    string `json:"link"`
	AddedBy int64  `json:"added_by"`
	AddedAt int64  `json:"added_at"`
}

func (s *Store) RequiredGroups(ctx context.Context) ([]model.RequiredGroup, error) {
	all, err := s.rdb.HGetAll(ctx, keyGroups).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: required groups: %w", err)
	}
	groups := make([]model.RequiredGroup, 0, len(all))
	for field, raw := range all {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		var rec groupRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode group %s: %w", field, err)
		}
		groups = append(groups, model.RequiredGroup{
			GroupID: id,
			Link:    rec.Link,
			AddedBy: rec.AddedBy,
			AddedAt: time.Unix(rec.AddedAt, 0).UTC(),
		})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].AddedAt.Equal(groups[j].AddedAt) {
			return groups[i].GroupID < groups[j].GroupID
		}
		return groups[i].AddedAt.Before(groups[j].AddedAt)
	})
	return groups, nil
}

func (s *Store) AddRequiredGroup(ctx context.Context, g model.RequiredGroup) error {
	field := strconv.FormatInt(g.GroupID, 10)
	rec := groupRecord{Link: g.Link, AddedBy: g.AddedBy, AddedAt: g.AddedAt.Unix()}

	// Keep the original position when a group is re-added.
	if raw, err := s.rdb.HGet(ctx, keyGroups, field).Result(); err == nil {
		var prev groupRecord
		if json.Unmarshal([]byte(raw), &prev) == nil {
			rec.AddedAt = prev.AddedAt
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: marshal group: %w", err)
	}
	if err := s.rdb.HSet(ctx, keyGroups, field, data).Err(); err != nil {
		return fmt.Errorf("redisstore: add group %d: %w", g.GroupID, err)
	}
	return nil
}

func (s *Store) RemoveRequiredGroup(ctx context.Context, groupID int64) error {
	n, err := s.rdb.HDel(ctx, keyGroups, strconv.FormatInt(groupID, 10)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: remove group %d: %w", groupID, err)
	}
	if n == 0 {
		return fmt.Errorf("redisstore: group %d: %w", groupID, store.ErrNotFound)
	}
	return nil
}

type adminRecord struct {
	PromotedBy int64 `json:"promoted_by"`
	PromotedAt int64 `json:"promoted_at"`
}

func (s *Store) IsAdmin(ctx context.Context, id int64) (bool, error) {
	ok, err := s.rdb.HExists(ctx, keyAdmins, strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: is admin %d: %w", id, err)
	}
	return ok, nil
}

func (s *Store) AddAdmin(ctx context.Context, a model.Admin) error {
	data, err := json.Marshal(adminRecord{PromotedBy: a.PromotedBy, PromotedAt: a.PromotedAt.Unix()})
	if err != nil {
		return fmt.Errorf("redisstore: marshal admin: %w", err)
	}
	if err := s.rdb.HSet(ctx, keyAdmins, strconv.FormatInt(a.UserID, 10), data).Err(); err != nil {
		return fmt.Errorf("redisstore: add admin %d: %w", a.UserID, err)
	}
	return nil
}

func (s *Store) RemoveAdmin(ctx context.Context, id int64) error {
	n, err := s.rdb.HDel(ctx, keyAdmins, strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: remove admin %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("redisstore: admin %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	all, err := s.rdb.HGetAll(ctx, keyAdmins).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list admins: %w", err)
	}
	admins := make([]model.Admin, 0, len(all))
	for field, raw := range all {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		var rec adminRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode admin %s: %w", field, err)
		}
		admins = append(admins, model.Admin{
			UserID:     id,
			PromotedBy: rec.PromotedBy,
			PromotedAt: time.Unix(rec.PromotedAt, 0).UTC(),
		})
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].UserID < admins[j].UserID })
	return admins, nil
}

func (s *Store) LogMessage(ctx context.Context, m model.MessageLog) error {
	pipe := s.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: keyMessageLog,
		MaxLen: messageLogMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sender_id":   m.SenderID,
			"receiver_id": m.ReceiverID,
			"kind":        m.Kind,
			"content":     m.Content,
			"sent_at":     m.SentAt.Unix(),
		},
	})
	pipe.Incr(ctx, keyMessageCount)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: log message: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (model.Stats, error) {
	pipe := s.rdb.Pipeline()
	users := pipe.SCard(ctx, keyUsers)
	active := pipe.SCard(ctx, keyActiveSessions)
	seeking := pipe.SCard(ctx, keySeeking)
	messages := pipe.Get(ctx, keyMessageCount)
	vip := pipe.ZCount(ctx, keyVip, "("+strconv.FormatInt(now.Unix(), 10), "+inf")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return model.Stats{}, fmt.Errorf("redisstore: stats: %w", err)
	}

	total, _ := messages.Int64()
	return model.Stats{
		TotalUsers:    users.Val(),
		ActiveChats:   active.Val(),
		Seeking:       seeking.Val(),
		TotalMessages: total,
		VipUsers:      vip.Val(),
	}, nil
}
