package queue

import "github.com/redis/go-redis/v9"

// dequeueScript pops the best due job and leases it.
// KEYS: ready, active, jobs. ARGV: now, lease deadline
var dequeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call("ZREM", KEYS[1], id)
local data = redis.call("HGET", KEYS[3], id)
if not data then
	return false
end
redis.call("ZADD", KEYS[2], ARGV[2], id)
return data
`)

// updateScript replaces a stored job only if it exists.
// KEYS: jobs. ARGV: id, data
var updateScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// rescheduleScript moves a job back to the ready set with new contents.
// KEYS: ready, active, jobs. ARGV: id, data, score
var rescheduleScript = redis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// failScript moves a job to the failed set and trims the set by age and
// count.
// KEYS: active, jobs, failed, failed data.
// ARGV: id, record, now, oldest kept, max count
var failScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[4], ARGV[1], ARGV[2])

local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", "(" .. ARGV[4])
for _, id in ipairs(expired) do
	redis.call("HDEL", KEYS[4], id)
end
redis.call("ZREMRANGEBYSCORE", KEYS[3], "-inf", "(" .. ARGV[4])

local max = tonumber(ARGV[5])
local count = redis.call("ZCARD", KEYS[3])
if max > 0 and count > max then
	local oldest = redis.call("ZRANGE", KEYS[3], 0, count - max - 1)
	for _, id in ipairs(oldest) do
		redis.call("HDEL", KEYS[4], id)
	end
	redis.call("ZREMRANGEBYRANK", KEYS[3], 0, count - max - 1)
end
return 1
`)

// recoverScript returns jobs whose lease expired to the ready set.
// KEYS: active, ready. ARGV: now
var recoverScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #ids
`)
