package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/olamilekan000/readerq/readerq/errors"
	"github.com/olamilekan000/readerq/readerq/job"
)

type RedisConfig struct {
	URL             string
	Host            string
	Port            int
	DB              int
	Password        string
	Username        string
	PoolSize        int
	MaxRetries      int
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	Prefix          string
}

// RedisBackend keeps one hash per job plus per-type sorted sets scored by
// a global insertion sequence:
//
//	<prefix>:<type>:pending  ids not yet claimed
//	<prefix>:<type>:active   ids not yet done (pending or processing)
//	<prefix>:<type>:done     done ids scored by done_at (ms)
//	<prefix>:done            job keys of every type scored by done_at (ms)
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, &errors.BackendConnectionError{Backend: "Redis", Err: err}
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			Username: cfg.Username,
			DB:       cfg.DB,
		}
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.ConnMaxIdleTime > 0 {
		opts.ConnMaxIdleTime = cfg.ConnMaxIdleTime
	}

	client := redis.NewClient(opts)

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 5 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &errors.BackendConnectionError{Backend: "Redis", Err: err}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "readerq"
	}

	log.Ctx(ctx).Info().Str("addr", opts.Addr).Str("prefix", prefix).Msg("connected to redis")

	return &RedisBackend{client: client, prefix: prefix}, nil
}

var insertCmd = redis.NewScript(`
	local jobKey = KEYS[1]
	local pendingKey = KEYS[2]
	local activeKey = KEYS[3]
	local seqKey = KEYS[4]
	local typesKey = KEYS[5]

	if redis.call("EXISTS", jobKey) == 1 then
		return 0
	end

	local seq = redis.call("INCR", seqKey)
	redis.call("HSET", jobKey,
		"id", ARGV[1],
		"type", ARGV[2],
		"data", ARGV[3],
		"processing", "0",
		"created_at", ARGV[5],
		"seq", seq)
	if ARGV[4] ~= "" then
		redis.call("HSET", jobKey, "progress", ARGV[4])
	end

	redis.call("ZADD", pendingKey, seq, ARGV[1])
	redis.call("ZADD", activeKey, seq, ARGV[1])
	redis.call("SADD", typesKey, ARGV[2])
	return 1
`)

func (r *RedisBackend) Insert(ctx context.Context, j *job.Job) (bool, error) {
	res, err := insertCmd.Run(ctx, r.client, r.insertKeys(j), r.insertArgs(j)...).Int64()
	if err != nil {
		return false, &errors.BackendOperationError{Operation: "Insert", Err: err}
	}
	return res == 1, nil
}

func (r *RedisBackend) InsertBatch(ctx context.Context, jobs []*job.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	// Load once so EvalSha inside the pipeline cannot miss.
	if err := insertCmd.Load(ctx, r.client).Err(); err != nil {
		return 0, &errors.BackendOperationError{Operation: "InsertBatch", Err: err}
	}

	pipe := r.client.TxPipeline()
	cmds := make([]*redis.Cmd, 0, len(jobs))
	for _, j := range jobs {
		cmds = append(cmds, insertCmd.EvalSha(ctx, pipe, r.insertKeys(j), r.insertArgs(j)...))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, &errors.BackendOperationError{Operation: "InsertBatch", Err: err}
	}

	inserted := 0
	for _, cmd := range cmds {
		if n, _ := cmd.Int64(); n == 1 {
			inserted++
		}
	}
	return inserted, nil
}

func (r *RedisBackend) insertKeys(j *job.Job) []string {
	return []string{
		r.jobKey(j.Type, j.ID),
		r.typeKey(j.Type, "pending"),
		r.typeKey(j.Type, "active"),
		r.seqKey(),
		r.typesKey(),
	}
}

func (r *RedisBackend) insertArgs(j *job.Job) []interface{} {
	return []interface{}{j.ID, j.Type, string(j.Data), string(j.Progress), j.CreatedAt.UnixNano()}
}

func (r *RedisBackend) SelectPending(ctx context.Context, jobType string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := r.client.ZRange(ctx, r.typeKey(jobType, "pending"), 0, stop).Result()
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "SelectPending", Err: err}
	}
	return ids, nil
}

var claimCmd = redis.NewScript(`
	local pendingKey = KEYS[1]
	local claimed = {}

	for i, id in ipairs(ARGV) do
		if redis.call("ZREM", pendingKey, id) == 1 then
			redis.call("HSET", KEYS[i + 1], "processing", "1")
			table.insert(claimed, id)
		end
	end

	return claimed
`)

func (r *RedisBackend) Claim(ctx context.Context, jobType string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, r.typeKey(jobType, "pending"))
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.jobKey(jobType, id))
		args = append(args, id)
	}

	claimed, err := claimCmd.Run(ctx, r.client, keys, args...).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, &errors.BackendOperationError{Operation: "Claim", Err: err}
	}
	return claimed, nil
}

func (r *RedisBackend) Get(ctx context.Context, jobType, id string) (*job.Job, error) {
	h, err := r.client.HGetAll(ctx, r.jobKey(jobType, id)).Result()
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "Get", Err: err}
	}
	if len(h) == 0 {
		return nil, &errors.JobNotFoundError{JobType: jobType, JobID: id}
	}

	j := &job.Job{
		ID:         h["id"],
		Type:       h["type"],
		Data:       json.RawMessage(h["data"]),
		Processing: h["processing"] == "1",
		Progress:   optionalJSON(h, "progress"),
		Result:     optionalJSON(h, "result"),
		Error:      optionalJSON(h, "error"),
	}

	if created, err := strconv.ParseInt(h["created_at"], 10, 64); err == nil {
		j.CreatedAt = time.Unix(0, created)
	}
	if seq, err := strconv.ParseInt(h["seq"], 10, 64); err == nil {
		j.Seq = seq
	}
	if raw, ok := h["done_at"]; ok {
		done, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &errors.BackendOperationError{Operation: "Get", Err: fmt.Errorf("invalid done_at %q: %w", raw, err)}
		}
		t := time.Unix(0, done)
		j.DoneAt = &t
	}
	return j, nil
}

var progressCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 0
	end
	if ARGV[1] == "" then
		redis.call("HDEL", KEYS[1], "progress")
	else
		redis.call("HSET", KEYS[1], "progress", ARGV[1])
	end
	return 1
`)

func (r *RedisBackend) UpdateProgress(ctx context.Context, jobType, id string, progress json.RawMessage) error {
	res, err := progressCmd.Run(ctx, r.client, []string{r.jobKey(jobType, id)}, string(progress)).Int64()
	if err != nil {
		return &errors.BackendOperationError{Operation: "UpdateProgress", Err: err}
	}
	if res == 0 {
		return &errors.JobNotFoundError{JobType: jobType, JobID: id}
	}
	return nil
}

var finishCmd = redis.NewScript(`
	local jobKey = KEYS[1]
	local pendingKey = KEYS[2]
	local activeKey = KEYS[3]
	local doneKey = KEYS[4]
	local failedKey = KEYS[5]
	local allDoneKey = KEYS[6]

	local id = ARGV[1]
	local result = ARGV[2]
	local failure = ARGV[3]

	if redis.call("EXISTS", jobKey) == 0 then
		return -1
	end
	if redis.call("HEXISTS", jobKey, "done_at") == 1 then
		return 0
	end

	if result ~= "" then
		redis.call("HSET", jobKey, "result", result)
	else
		redis.call("HSET", jobKey, "error", failure)
		redis.call("SADD", failedKey, id)
	end
	redis.call("HSET", jobKey, "done_at", ARGV[4])

	redis.call("ZREM", pendingKey, id)
	redis.call("ZREM", activeKey, id)
	redis.call("ZADD", doneKey, ARGV[5], id)
	redis.call("ZADD", allDoneKey, ARGV[5], jobKey)
	return 1
`)

func (r *RedisBackend) Finish(ctx context.Context, jobType, id string, result, failure json.RawMessage, doneAt time.Time) error {
	if (result == nil) == (failure == nil) {
		return &errors.BackendOperationError{
			Operation: "Finish",
			Err:       fmt.Errorf("exactly one of result and error must be set"),
		}
	}

	keys := []string{
		r.jobKey(jobType, id),
		r.typeKey(jobType, "pending"),
		r.typeKey(jobType, "active"),
		r.typeKey(jobType, "done"),
		r.typeKey(jobType, "failed"),
		r.allDoneKey(),
	}

	res, err := finishCmd.Run(ctx, r.client, keys,
		id, string(result), string(failure), doneAt.UnixNano(), doneAt.UnixMilli()).Int64()
	if err != nil {
		return &errors.BackendOperationError{Operation: "Finish", Err: err}
	}

	switch res {
	case -1:
		return &errors.JobNotFoundError{JobType: jobType, JobID: id}
	case 0:
		return errors.ErrJobAlreadyDone
	}
	return nil
}

var deleteCmd = redis.NewScript(`
	local id = ARGV[1]
	redis.call("DEL", KEYS[1])
	redis.call("ZREM", KEYS[2], id)
	redis.call("ZREM", KEYS[3], id)
	redis.call("ZREM", KEYS[4], id)
	redis.call("SREM", KEYS[5], id)
	redis.call("ZREM", KEYS[6], KEYS[1])
	return 1
`)

func (r *RedisBackend) Delete(ctx context.Context, jobType, id string) error {
	keys := []string{
		r.jobKey(jobType, id),
		r.typeKey(jobType, "pending"),
		r.typeKey(jobType, "active"),
		r.typeKey(jobType, "done"),
		r.typeKey(jobType, "failed"),
		r.allDoneKey(),
	}

	if err := deleteCmd.Run(ctx, r.client, keys, id).Err(); err != nil {
		return &errors.BackendOperationError{Operation: "Delete", Err: err}
	}
	return nil
}

var positionCmd = redis.NewScript(`
	local seq = redis.call("HGET", KEYS[1], "seq")
	if not seq then
		return 0
	end
	return redis.call("ZCOUNT", KEYS[2], "-inf", "(" .. seq)
`)

func (r *RedisBackend) QueuePosition(ctx context.Context, jobType, id string) (int64, error) {
	pos, err := positionCmd.Run(ctx, r.client,
		[]string{r.jobKey(jobType, id), r.typeKey(jobType, "active")}).Int64()
	if err != nil {
		return 0, &errors.BackendOperationError{Operation: "QueuePosition", Err: err}
	}
	return pos, nil
}

var purgeCmd = redis.NewScript(`
	local allDoneKey = KEYS[1]
	local prefix = ARGV[2]

	local keys = redis.call("ZRANGEBYSCORE", allDoneKey, "-inf", "(" .. ARGV[1])
	for _, key in ipairs(keys) do
		local fields = redis.call("HMGET", key, "type", "id")
		if fields[1] and fields[2] then
			redis.call("ZREM", prefix .. ":" .. fields[1] .. ":done", fields[2])
			redis.call("SREM", prefix .. ":" .. fields[1] .. ":failed", fields[2])
		end
		redis.call("DEL", key)
		redis.call("ZREM", allDoneKey, key)
	end

	return #keys
`)

func (r *RedisBackend) PurgeDone(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := purgeCmd.Run(ctx, r.client, []string{r.allDoneKey()}, cutoff.UnixMilli(), r.prefix).Int64()
	if err != nil {
		return 0, &errors.BackendOperationError{Operation: "PurgeDone", Err: err}
	}
	return n, nil
}

func (r *RedisBackend) Clear(ctx context.Context) error {
	pattern := fmt.Sprintf("%s:*", r.prefix)

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return &errors.BackendOperationError{Operation: "Clear", Err: err}
		}

		// The sequence survives so insertion order stays monotonic.
		toDelete := keys[:0]
		for _, k := range keys {
			if k != r.seqKey() {
				toDelete = append(toDelete, k)
			}
		}
		if len(toDelete) > 0 {
			if err := r.client.Del(ctx, toDelete...).Err(); err != nil {
				return &errors.BackendOperationError{Operation: "Clear", Err: err}
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisBackend) DiscoverTypes(ctx context.Context) ([]string, error) {
	types, err := r.client.SMembers(ctx, r.typesKey()).Result()
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "DiscoverTypes", Err: err}
	}
	sort.Strings(types)
	return types, nil
}

func (r *RedisBackend) QueueStats(ctx context.Context, jobType string) (*QueueStats, error) {
	pipe := r.client.Pipeline()
	pendingCmd := pipe.ZCard(ctx, r.typeKey(jobType, "pending"))
	activeCmd := pipe.ZCard(ctx, r.typeKey(jobType, "active"))
	doneCmd := pipe.ZCard(ctx, r.typeKey(jobType, "done"))
	failedCmd := pipe.SCard(ctx, r.typeKey(jobType, "failed"))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &errors.BackendOperationError{Operation: "QueueStats", Err: err}
	}

	return &QueueStats{
		Type:       jobType,
		Pending:    pendingCmd.Val(),
		Processing: activeCmd.Val() - pendingCmd.Val(),
		Done:       doneCmd.Val(),
		Failed:     failedCmd.Val(),
	}, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) IsHealthy() bool {
	return r.client.Ping(context.Background()).Err() == nil
}

func (r *RedisBackend) jobKey(jobType, id string) string {
	return fmt.Sprintf("%s:job:%s:%s", r.prefix, jobType, id)
}

func (r *RedisBackend) typeKey(jobType, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, jobType, suffix)
}

func (r *RedisBackend) allDoneKey() string {
	return fmt.Sprintf("%s:done", r.prefix)
}

func (r *RedisBackend) seqKey() string {
	return fmt.Sprintf("%s:seq", r.prefix)
}

func (r *RedisBackend) typesKey() string {
	return fmt.Sprintf("%s:types", r.prefix)
}

func optionalJSON(h map[string]string, field string) json.RawMessage {
	v, ok := h[field]
	if !ok || v == "" {
		return nil
	}
	return json.RawMessage(v)
}
