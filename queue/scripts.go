package queue

import "github.com/garyburd/redigo/redis"

// These atomic scripts are the authoritative specification of broker
// semantics (spec.md §9 "Scripts as contract"): reimplementations must
// preserve their pre/post-conditions, not their Lua syntax. Each is
// registered once per Queue via redis.NewScript and sent with EVALSHA,
// falling back to EVAL on a cache miss, exactly like the teacher's
// w.redisFetchScript in worker.go.

const enqueueScriptSrc = `
-- KEYS: 1 pending, 2 scheduled, 3 running, 4 job hash, 5 stats
-- ARGV: 1 job_id, 2 now_ms, 3 run_at_ms (""=immediate), 4 name (""=untagged),
--       5.. field/value pairs
local job_id = ARGV[1]
local now = tonumber(ARGV[2])
local run_at = ARGV[3]
local name = ARGV[4]

if redis.call("LPOS", KEYS[1], job_id) ~= false then
	return 0
end
if redis.call("ZSCORE", KEYS[2], job_id) ~= false then
	return 0
end
if redis.call("ZSCORE", KEYS[3], job_id) ~= false then
	return 0
end

if #ARGV > 4 then
	redis.call("HSET", KEYS[4], unpack(ARGV, 5))
end

if run_at == "" or tonumber(run_at) <= now then
	redis.call("RPUSH", KEYS[1], job_id)
else
	redis.call("ZADD", KEYS[2], run_at, job_id)
end

redis.call("HINCRBY", KEYS[5], "enqueued", 1)
if name ~= "" then
	redis.call("HINCRBY", KEYS[5], "name:" .. name .. ":enqueued", 1)
end
return 1
`

const promoteDueScriptSrc = `
-- KEYS: 1 scheduled, 2 pending
-- ARGV: 1 now_ms
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #ids == 0 then
	return 0
end
for i = 1, #ids do
	redis.call("RPUSH", KEYS[2], ids[i])
	redis.call("ZREM", KEYS[1], ids[i])
end
return #ids
`

const dequeueScriptSrc = `
-- KEYS: 1 pending, 2 running
-- ARGV: 1 now_ms, 2 lease_expiry_ms, 3 job key prefix
local job_id = redis.call("LPOP", KEYS[1])
if job_id == false then
	return false
end
redis.call("ZADD", KEYS[2], ARGV[2], job_id)
local job_key = ARGV[3] .. job_id
redis.call("HSET", job_key, "st", ARGV[1])
redis.call("HDEL", job_key, "suc", "end")
local data = redis.call("HGETALL", job_key)
return {job_id, data}
`

const extendLeaseScriptSrc = `
-- KEYS: 1 running
-- ARGV: 1 job_id, 2 new_expiry_ms
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`

const finishScriptSrc = `
-- KEYS: 1 running, 2 scheduled, 3 job hash, 4 stats
-- ARGV: 1 job_id, 2 success ("1"/"0"), 3 error_details, 4 now_ms,
--       5 will_retry ("1"/"0"), 6 new_current_retries, 7 next_run_ms
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return "stolen"
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[3], "end", ARGV[4], "suc", ARGV[2])
if ARGV[3] ~= "" then
	redis.call("HSET", KEYS[3], "err", ARGV[3])
end

local name = redis.call("HGET", KEYS[3], "nam")
local function bump(counter)
	redis.call("HINCRBY", KEYS[4], counter, 1)
	if name then
		redis.call("HINCRBY", KEYS[4], "name:" .. name .. ":" .. counter, 1)
	end
end

if ARGV[2] == "1" then
	bump("succeeded")
	return "succeeded"
end

if ARGV[5] == "1" then
	redis.call("HSET", KEYS[3], "cr", ARGV[6])
	bump("retried")
	redis.call("ZADD", KEYS[2], ARGV[7], ARGV[1])
	return "retry_scheduled"
end

bump("failed")
return "failed_final"
`

// updateScriptSrc is ported near-verbatim from
// original_source/queues/update_job.rs, adding the running-state guard
// spec.md §4.1 calls for ("If the job is in running, the update is
// refused"), which the original didn't need to special-case because its
// caller only ever updated jobs known not to be running.
const updateScriptSrc = `
-- KEYS: 1 pending, 2 scheduled, 3 running, 4 job hash
-- ARGV: 1 job_id, 2 new_run_at_ms (""=unchanged), 3 new_payload (""=unchanged)
if redis.call("ZSCORE", KEYS[3], ARGV[1]) ~= false then
	return "running"
end

local is_scheduled = redis.call("ZSCORE", KEYS[2], ARGV[1])
local is_pending = false
local updates_time = string.len(ARGV[2]) > 0

-- Items being updated are usually in the scheduled set; the pending list
-- lookup is O(N), so only pay for it when the scheduled lookup misses.
if is_scheduled == false then
	if updates_time then
		is_pending = redis.call("LREM", KEYS[1], 1, ARGV[1]) > 0
	else
		is_pending = redis.call("LPOS", KEYS[1], ARGV[1]) ~= false
	end
end

if is_pending == false and is_scheduled == false then
	return "not_found"
end

if updates_time then
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
	redis.call("HSET", KEYS[4], "ra", ARGV[2])
end

if string.len(ARGV[3]) > 0 then
	redis.call("HSET", KEYS[4], "pay", ARGV[3])
end

return "updated"
`

const cancelScriptSrc = `
-- KEYS: 1 pending, 2 scheduled, 3 running, 4 job hash
-- ARGV: 1 job_id
if redis.call("LREM", KEYS[1], 1, ARGV[1]) > 0 then
	return "pending"
end
if redis.call("ZREM", KEYS[2], ARGV[1]) > 0 then
	return "scheduled"
end
if redis.call("ZSCORE", KEYS[3], ARGV[1]) ~= false then
	redis.call("HSET", KEYS[4], "cnl", "1")
	return "running"
end
return "none"
`

const sweepExpiredScriptSrc = `
-- KEYS: 1 running
-- ARGV: 1 now_ms
return redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
`

// scripts bundles the registered redis.Script handles a Queue owns.
type scripts struct {
	enqueue      *redis.Script
	promoteDue   *redis.Script
	dequeue      *redis.Script
	extendLease  *redis.Script
	finish       *redis.Script
	update       *redis.Script
	cancel       *redis.Script
	sweepExpired *redis.Script
}

func newScripts() scripts {
	return scripts{
		enqueue:      redis.NewScript(5, enqueueScriptSrc),
		promoteDue:   redis.NewScript(2, promoteDueScriptSrc),
		dequeue:      redis.NewScript(2, dequeueScriptSrc),
		extendLease:  redis.NewScript(1, extendLeaseScriptSrc),
		finish:       redis.NewScript(4, finishScriptSrc),
		update:       redis.NewScript(4, updateScriptSrc),
		cancel:       redis.NewScript(4, cancelScriptSrc),
		sweepExpired: redis.NewScript(1, sweepExpiredScriptSrc),
	}
}
