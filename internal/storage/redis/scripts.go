package redis

const (
	// saveRosterScript atomically replaces the latest roster and its metadata
	saveRosterScript = `
local roster_key = KEYS[1]     -- hlsroster:roster
local meta_key = KEYS[2]       -- hlsroster:roster:meta

local document = ARGV[1]
local published_at = ARGV[2]
local listeners = ARGV[3]

redis.call('SET', roster_key, document)
redis.call('HSET', meta_key,
  'published_at', published_at,
  'listeners', listeners
)

return 'OK'
`
)
