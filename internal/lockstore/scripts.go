package lockstore

// Every mutating script takes the same layout:
//
//	KEYS[1]  per-trip expiry index (ZSET seat -> expires_at ms)
//	KEYS[2]  per-trip seat set
//	KEYS[3+] one hash per seat
//	ARGV     now_ms, expires_ms, holder, trip_id, seat ids matching KEYS[3+]
//
// All keys of one trip share the {trip} hash tag, so a script never spans
// cluster slots.

const acquireScript = `
local now = tonumber(ARGV[1])
local exp = tonumber(ARGV[2])
local holder = ARGV[3]
local conflicts = {}
for i = 3, #KEYS do
    local row = redis.call('HMGET', KEYS[i], 'state', 'holder', 'expires_at')
    local expires = tonumber(row[3]) or 0
    if row[1] == 'sold' or (row[1] == 'held' and row[2] ~= holder and expires > now) then
        table.insert(conflicts, ARGV[i + 2])
    end
end
if #conflicts > 0 then
    return {0, conflicts}
end
local versions = {}
local expiries = {}
for i = 3, #KEYS do
    local seat = ARGV[i + 2]
    local row = redis.call('HMGET', KEYS[i], 'state', 'holder', 'expires_at', 'acquired_at')
    local expires = exp
    local acquired = now
    local current = tonumber(row[3]) or 0
    if row[1] == 'held' and row[2] == holder and current > now then
        expires = math.max(exp, current)
        acquired = tonumber(row[4]) or now
    end
    redis.call('HSET', KEYS[i], 'trip_id', ARGV[4], 'seat_id', seat, 'holder', holder,
        'state', 'held', 'acquired_at', acquired, 'expires_at', expires)
    table.insert(versions, redis.call('HINCRBY', KEYS[i], 'version', 1))
    table.insert(expiries, expires)
    redis.call('ZADD', KEYS[1], expires, seat)
    redis.call('SADD', KEYS[2], seat)
end
return {1, versions, expiries}
`

const renewScript = `
local now = tonumber(ARGV[1])
local exp = tonumber(ARGV[2])
local holder = ARGV[3]
local lost = {}
for i = 3, #KEYS do
    local row = redis.call('HMGET', KEYS[i], 'state', 'holder', 'expires_at')
    if row[1] ~= 'held' or row[2] ~= holder or (tonumber(row[3]) or 0) <= now then
        table.insert(lost, ARGV[i + 2])
    end
end
if #lost > 0 then
    return {0, lost}
end
local expiries = {}
for i = 3, #KEYS do
    local expires = math.max(exp, tonumber(redis.call('HGET', KEYS[i], 'expires_at')))
    redis.call('HSET', KEYS[i], 'expires_at', expires)
    redis.call('ZADD', KEYS[1], expires, ARGV[i + 2])
    table.insert(expiries, expires)
end
return {1, expiries}
`

const releaseScript = `
local holder = ARGV[3]
local released = {}
for i = 3, #KEYS do
    local row = redis.call('HMGET', KEYS[i], 'state', 'holder')
    if row[1] == 'held' and row[2] == holder then
        redis.call('HSET', KEYS[i], 'state', 'released')
        redis.call('ZREM', KEYS[1], ARGV[i + 2])
        table.insert(released, ARGV[i + 2])
        table.insert(released, redis.call('HINCRBY', KEYS[i], 'version', 1))
    end
end
return {1, released}
`

const assignScript = `
local holder = ARGV[3]
local missing = {}
for i = 3, #KEYS do
    local row = redis.call('HMGET', KEYS[i], 'state', 'holder')
    if row[2] ~= holder or (row[1] ~= 'held' and row[1] ~= 'sold') then
        table.insert(missing, ARGV[i + 2])
    end
end
if #missing > 0 then
    return {0, missing}
end
local changed = {}
for i = 3, #KEYS do
    if redis.call('HGET', KEYS[i], 'state') == 'held' then
        redis.call('HSET', KEYS[i], 'state', 'sold')
        redis.call('ZREM', KEYS[1], ARGV[i + 2])
        table.insert(changed, ARGV[i + 2])
        table.insert(changed, redis.call('HINCRBY', KEYS[i], 'version', 1))
    end
end
return {1, changed}
`

const unassignScript = `
local exp = tonumber(ARGV[2])
local holder = ARGV[3]
local missing = {}
for i = 3, #KEYS do
    local row = redis.call('HMGET', KEYS[i], 'state', 'holder')
    if row[2] ~= holder or (row[1] ~= 'held' and row[1] ~= 'sold') then
        table.insert(missing, ARGV[i + 2])
    end
end
if #missing > 0 then
    return {0, missing}
end
local changed = {}
for i = 3, #KEYS do
    if redis.call('HGET', KEYS[i], 'state') == 'sold' then
        redis.call('HSET', KEYS[i], 'state', 'held', 'expires_at', exp)
        redis.call('ZADD', KEYS[1], exp, ARGV[i + 2])
        table.insert(changed, ARGV[i + 2])
        table.insert(changed, redis.call('HINCRBY', KEYS[i], 'version', 1))
    end
end
return {1, changed}
`

// KEYS: seat hashes. Returns one row per key; a missing hash comes back
// as a row of nils.
const inspectScript = `
local rows = {}
for i = 1, #KEYS do
    rows[i] = redis.call('HMGET', KEYS[i], 'seat_id', 'holder', 'state', 'acquired_at', 'expires_at', 'version')
end
return rows
`

// KEYS[1]: seat set, ARGV[1]: seat hash key prefix.
const snapshotScript = `
local rows = {}
for _, seat in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    table.insert(rows, redis.call('HMGET', ARGV[1] .. seat, 'seat_id', 'holder', 'state', 'acquired_at', 'expires_at', 'version'))
end
return rows
`

// KEYS[1]: expiry index, ARGV[1]: now_ms, ARGV[2]: seat hash key prefix.
// Returns flat {seat, holder, version, expires_at} quadruples.
const sweepScript = `
local now = tonumber(ARGV[1])
local swept = {}
for _, seat in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)) do
    local key = ARGV[2] .. seat
    local row = redis.call('HMGET', key, 'state', 'holder', 'expires_at')
    local expires = tonumber(row[3]) or 0
    if row[1] == 'held' and expires <= now then
        redis.call('HSET', key, 'state', 'expired')
        table.insert(swept, seat)
        table.insert(swept, row[2])
        table.insert(swept, redis.call('HINCRBY', key, 'version', 1))
        table.insert(swept, expires)
    end
    if row[1] ~= 'held' or expires <= now then
        redis.call('ZREM', KEYS[1], seat)
    end
end
return swept
`
