package redisstore

// Every script that touches chat_partner or looking treats "", "0" and a
// missing field as "no partner".

// createUserLua inserts a user hash only if it does not exist yet.
//
// KEYS: user, users set, referrer's referrals set, vip zset
// ARGV: id, referred_by, vip_until (0 = none), field/value pairs...
const createUserLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[2] ~= '0' then redis.call('SADD', KEYS[3], ARGV[1]) end
if ARGV[3] ~= '0' then redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1]) end
return 1
`

// updateLua sets fields on an existing user. Returns -1 if the user is missing.
//
// KEYS: user
// ARGV: field/value pairs...
const updateLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`

// incrLua increments a counter field on an existing user.
//
// KEYS: user
// ARGV: field, delta
const incrLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
`

// profileLua saves the profile and keeps gender pool membership in sync for
// users already seeking.
//
// KEYS: user, seeking:male, seeking:female
// ARGV: id, gender, age, country
const profileLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'gender', ARGV[2], 'age', ARGV[3], 'country', ARGV[4], 'profile_completed', '1')
if redis.call('HGET', KEYS[1], 'looking') == '1' then
    redis.call('SREM', KEYS[2], ARGV[1])
    redis.call('SREM', KEYS[3], ARGV[1])
    if ARGV[2] == 'male' then redis.call('SADD', KEYS[2], ARGV[1])
    elseif ARGV[2] == 'female' then redis.call('SADD', KEYS[3], ARGV[1]) end
end
return 1
`

// setVipLua opens a VIP window and indexes it for sweeps.
//
// KEYS: user, vip zset
// ARGV: id, vip_until
const setVipLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'is_vip', '1', 'vip_until', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`

// expireVipLua downgrades a user whose window ended at or before now.
// Returns 1 if downgraded, 0 if still active or not VIP, -1 if missing.
//
// KEYS: user, vip zset
// ARGV: id, now
const expireVipLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local v = redis.call('HMGET', KEYS[1], 'is_vip', 'vip_until')
if v[1] ~= '1' then
    redis.call('ZREM', KEYS[2], ARGV[1])
    return 0
end
local untilTs = tonumber(v[2]) or 0
if untilTs > tonumber(ARGV[2]) then return 0 end
redis.call('HSET', KEYS[1], 'is_vip', '0')
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// setLookingLua toggles the seeking flag and pool membership. Turning it on
// fails with 0 while the user has a partner.
//
// KEYS: user, seeking, seeking:male, seeking:female
// ARGV: id, looking ('1' or '0')
const setLookingLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if ARGV[2] == '1' then
    local p = redis.call('HGET', KEYS[1], 'chat_partner')
    if p and p ~= '' and p ~= '0' then return 0 end
    redis.call('HSET', KEYS[1], 'looking', '1')
    redis.call('SADD', KEYS[2], ARGV[1])
    local g = redis.call('HGET', KEYS[1], 'gender')
    if g == 'male' then redis.call('SADD', KEYS[3], ARGV[1])
    elseif g == 'female' then redis.call('SADD', KEYS[4], ARGV[1]) end
    return 1
end
redis.call('HSET', KEYS[1], 'looking', '0')
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
return 1
`

// pairLua atomically links requester and candidate. Returns:
//
//	1  = paired
//	0  = one side no longer free, or candidate no longer matches
//	-1 = a user does not exist
//
// KEYS: requester, candidate, seeking, seeking:male, seeking:female,
//
//	session, active:requester, active:candidate, active sessions set
//
// ARGV: requester id, candidate id, gender filter, now, session id
const pairLua = `
local function free(v) return (not v) or v == '' or v == '0' end

if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('EXISTS', KEYS[2]) == 0 then return -1 end
if ARGV[1] == ARGV[2] then return 0 end

local a = redis.call('HMGET', KEYS[1], 'chat_partner', 'is_blocked')
local b = redis.call('HMGET', KEYS[2], 'chat_partner', 'looking', 'is_blocked', 'profile_completed', 'agreed_terms', 'gender')
if not free(a[1]) or a[2] == '1' or not free(b[1]) then return 0 end
if b[2] ~= '1' then
    -- stale pool entry
    for i = 3, 5 do redis.call('SREM', KEYS[i], ARGV[2]) end
    return 0
end
if b[3] == '1' or b[4] ~= '1' or b[5] ~= '1' then return 0 end
if ARGV[3] ~= '' and b[6] ~= ARGV[3] then return 0 end

redis.call('HSET', KEYS[1], 'chat_partner', ARGV[2], 'looking', '0')
redis.call('HSET', KEYS[2], 'chat_partner', ARGV[1], 'looking', '0')
for i = 3, 5 do redis.call('SREM', KEYS[i], ARGV[1], ARGV[2]) end

redis.call('HSET', KEYS[6], 'id', ARGV[5], 'user_a', ARGV[1], 'user_b', ARGV[2],
    'started_at', ARGV[4], 'ended_at', '0', 'active', '1')
redis.call('SET', KEYS[7], ARGV[5])
redis.call('SET', KEYS[8], ARGV[5])
redis.call('SADD', KEYS[9], ARGV[5])
return 1
`

// endSessionLua clears a session if the caller still points at the expected
// partner. Returns:
//
//	1 = ended
//	2 = ended, but the partner did not point back
//	0 = caller no longer points at partner
//
// KEYS: user, partner, active:user, active:partner, session, active sessions set
// ARGV: id, partner id, session id ('' if unknown), now
const endSessionLua = `
if redis.call('HGET', KEYS[1], 'chat_partner') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'chat_partner', '0', 'looking', '0')

local result = 1
if redis.call('HGET', KEYS[2], 'chat_partner') == ARGV[1] then
    redis.call('HSET', KEYS[2], 'chat_partner', '0', 'looking', '0')
else
    result = 2
end

redis.call('DEL', KEYS[3])
if ARGV[3] ~= '' then
    if redis.call('GET', KEYS[4]) == ARGV[3] then redis.call('DEL', KEYS[4]) end
    if redis.call('EXISTS', KEYS[5]) == 1 then
        redis.call('HSET', KEYS[5], 'active', '0', 'ended_at', ARGV[4])
    end
    redis.call('SREM', KEYS[6], ARGV[3])
end
return result
`

// deleteUserLua removes a user and everything that points at them in one
// step, so no concurrent pairLua can link a peer to a half-deleted user.
// Keys derived from ids (partner, session, referrals) are built from the
// prefix inside the script. Returns the former partner id, "0" if none, or
// "-1" if the user is missing.
//
// KEYS: user, users set, vip zset, admins hash, active sessions set,
//
//	seeking, seeking:male, seeking:female
//
// ARGV: id, key prefix, now
const deleteUserLua = `
local function free(v) return (not v) or v == '' or v == '0' end

if redis.call('EXISTS', KEYS[1]) == 0 then return '-1' end
local id, prefix = ARGV[1], ARGV[2]
local v = redis.call('HMGET', KEYS[1], 'chat_partner', 'referred_by')
local active = prefix .. 'active:' .. id
local sid = redis.call('GET', active)

local result = '0'
if not free(v[1]) then
    local pkey = prefix .. 'user:' .. v[1]
    if redis.call('HGET', pkey, 'chat_partner') == id then
        redis.call('HSET', pkey, 'chat_partner', '0', 'looking', '0')
    end
    local pactive = prefix .. 'active:' .. v[1]
    if sid and redis.call('GET', pactive) == sid then redis.call('DEL', pactive) end
    result = v[1]
end

if sid then
    local skey = prefix .. 'session:' .. sid
    if redis.call('EXISTS', skey) == 1 then
        redis.call('HSET', skey, 'active', '0', 'ended_at', ARGV[3])
    end
    redis.call('SREM', KEYS[5], sid)
end

local referrals = prefix .. 'referrals:' .. id
for _, r in ipairs(redis.call('SMEMBERS', referrals)) do
    local rkey = prefix .. 'user:' .. r
    if redis.call('EXISTS', rkey) == 1 then redis.call('HSET', rkey, 'referred_by', '0') end
end
if not free(v[2]) then redis.call('SREM', prefix .. 'referrals:' .. v[2], id) end

redis.call('DEL', KEYS[1], active, referrals)
redis.call('SREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
for i = 6, 8 do redis.call('SREM', KEYS[i], id) end
return result
`
