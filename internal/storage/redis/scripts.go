package redis

const (
	// putProfileScript writes a profile hash, bumps its revision and indexes
	// the user id. It returns the new revision.
	putProfileScript = `
local profile_key = KEYS[1]     -- howbehind:profile:{userID}
local index_key = KEYS[2]       -- howbehind:profiles

local user_id = ARGV[1]
local doc = ARGV[2]
local watermark = ARGV[3]
local updated_at = ARGV[4]

redis.call('HSET', profile_key,
  'doc', doc,
  'watermark', watermark,
  'updated_at', updated_at
)
local revision = redis.call('HINCRBY', profile_key, 'revision', 1)
redis.call('SADD', index_key, user_id)

return revision
`

	// swapProfileScript writes a profile hash only when the stored revision
	// equals the expected one, returning the new revision or 0 on conflict.
	// A missing hash has revision 0.
	swapProfileScript = `
local profile_key = KEYS[1]     -- howbehind:profile:{userID}
local index_key = KEYS[2]       -- howbehind:profiles

local user_id = ARGV[1]
local expected = tonumber(ARGV[2])
local doc = ARGV[3]
local watermark = ARGV[4]
local updated_at = ARGV[5]

local current = tonumber(redis.call('HGET', profile_key, 'revision') or '0')
if current ~= expected then
  return 0
end

redis.call('HSET', profile_key,
  'doc', doc,
  'watermark', watermark,
  'updated_at', updated_at
)
local revision = redis.call('HINCRBY', profile_key, 'revision', 1)
redis.call('SADD', index_key, user_id)

return revision
`

	// deleteProfileScript removes a profile hash and its index entry,
	// returning the number of hashes removed.
	deleteProfileScript = `
local profile_key = KEYS[1]     -- howbehind:profile:{userID}
local index_key = KEYS[2]       -- howbehind:profiles

local removed = redis.call('DEL', profile_key)
redis.call('SREM', index_key, ARGV[1])

return removed
`

	// deleteIfProfileScript removes a profile hash only when its revision
	// equals the expected one. It returns 1 when removed, 0 when the hash
	// was already gone and -1 on conflict.
	deleteIfProfileScript = `
local profile_key = KEYS[1]     -- howbehind:profile:{userID}
local index_key = KEYS[2]       -- howbehind:profiles

local expected = tonumber(ARGV[2])

if redis.call('EXISTS', profile_key) == 0 then
  return 0
end
local current = tonumber(redis.call('HGET', profile_key, 'revision') or '0')
if current ~= expected then
  return -1
end

redis.call('DEL', profile_key)
redis.call('SREM', index_key, ARGV[1])

return 1
`
)
