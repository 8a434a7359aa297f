package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
)

const (
	// Redis键前缀
	OperationKey   = "rsvp:operation:"
	SourceStateKey = "rsvp:source:"
	DelayedSuffix  = ":delayed"
	DeadSuffix     = ":dead"

	// 熔断器状态写入：只有更新时间不早于已存状态时才覆盖，并刷新TTL
	SaveBreakerStateScript = `
		local current = redis.call('HGET', KEYS[1], 'updated_at')
		if current and tonumber(current) > tonumber(ARGV[5]) then
			return 0
		end

		redis.call('HSET', KEYS[1],
			'state', ARGV[1],
			'failure_count', ARGV[2],
			'success_count', ARGV[3],
			'last_failure_time', ARGV[4],
			'updated_at', ARGV[5])
		redis.call('EXPIRE', KEYS[1], ARGV[6])
		return 1
	`

	// 把到期的重试任务从延迟集合移回队列
	PromoteDueTasksScript = `
		local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
		for _, member in ipairs(due) do
			redis.call('LPUSH', KEYS[2], member)
			redis.call('ZREM', KEYS[1], member)
		end
		return #due
	`
)

// scripts Script.Run先用EVALSHA，脚本缓存被清空时回退到EVAL，本身不持有可变状态
var scripts = map[string]*redis.Script{
	"saveBreakerState": redis.NewScript(SaveBreakerStateScript),
	"promoteDueTasks":  redis.NewScript(PromoteDueTasksScript),
}

type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	// 测试连接
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	return NewRedisRepositoryWithClient(client)
}

// NewRedisRepositoryWithClient 使用已有客户端创建仓库并预加载Lua脚本
func NewRedisRepositoryWithClient(client *redis.Client) (*RedisRepository, error) {
	repo := &RedisRepository{client: client}

	if err := repo.preloadScripts(context.Background()); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	for name, script := range scripts {
		if err := script.Load(ctx, r.client).Err(); err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
	}
	return nil
}

// runScript 执行预加载脚本
func (r *RedisRepository) runScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	script, ok := scripts[name]
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未定义", name)
	}

	result, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("执行脚本 %s 失败: %w", name, err)
	}
	return result, nil
}

// Ping 检查连接
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client 暴露底层客户端，Redlock与订阅方使用
func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// ---------- 幂等操作 ----------

// GetOperationResult 获取已完成操作的结果
func (r *RedisRepository) GetOperationResult(ctx context.Context, operationID string) (*model.UpdateResult, bool, error) {
	data, err := r.client.Get(ctx, OperationKey+operationID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("获取操作结果失败: %w", err)
	}

	var result model.UpdateResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, false, fmt.Errorf("解析操作结果失败: %w", err)
	}
	return &result, true, nil
}

// SetOperationResult 保存操作结果
func (r *RedisRepository) SetOperationResult(ctx context.Context, operationID string, result *model.UpdateResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化操作结果失败: %w", err)
	}
	if err := r.client.Set(ctx, OperationKey+operationID, data, ttl).Err(); err != nil {
		return fmt.Errorf("保存操作结果失败: %w", err)
	}
	return nil
}

// ---------- 各来源最近状态 ----------

func sourceStateKey(source model.RSVPSource, matchID int64, discordID string) string {
	return fmt.Sprintf("%s%s:%d:%s", SourceStateKey, source, matchID, discordID)
}

// SetSourceState 记录某来源最近一次看到的回复
func (r *RedisRepository) SetSourceState(ctx context.Context, state *model.RSVPState, ttl time.Duration) error {
	key := sourceStateKey(state.Source, state.MatchID, state.UserID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"response", string(state.Response),
		"timestamp", state.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存来源状态失败: %w", err)
	}
	return nil
}

// GetSourceState 读取某来源最近一次看到的回复，不存在返回nil
func (r *RedisRepository) GetSourceState(ctx context.Context, source model.RSVPSource, matchID int64, discordID string) (*model.RSVPState, error) {
	data, err := r.client.HGetAll(ctx, sourceStateKey(source, matchID, discordID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取来源状态失败: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, data["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("解析来源状态时间失败: %w", err)
	}
	return &model.RSVPState{
		Source:    source,
		Response:  model.RSVPResponse(data["response"]),
		Timestamp: ts,
		UserID:    discordID,
		MatchID:   matchID,
	}, nil
}

// ---------- 熔断器状态 ----------

// LoadBreakerState 读取熔断器状态，键不存在时found为false
func (r *RedisRepository) LoadBreakerState(ctx context.Context, key string) (*model.BreakerSnapshot, bool, error) {
	data, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("读取熔断器状态失败: %w", err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	snap := &model.BreakerSnapshot{State: model.CircuitState(data["state"])}
	if snap.State == "" {
		snap.State = model.CircuitClosed
	}
	if snap.FailureCount, err = atoiField(data, "failure_count"); err != nil {
		return nil, false, err
	}
	if snap.SuccessCount, err = atoiField(data, "success_count"); err != nil {
		return nil, false, err
	}
	lastFailure, err := int64Field(data, "last_failure_time")
	if err != nil {
		return nil, false, err
	}
	if lastFailure > 0 {
		snap.LastFailureTime = time.UnixMilli(lastFailure)
	}
	updatedAt, err := int64Field(data, "updated_at")
	if err != nil {
		return nil, false, err
	}
	if updatedAt > 0 {
		snap.UpdatedAt = time.UnixMilli(updatedAt)
	}
	return snap, true, nil
}

// SaveBreakerState 写入熔断器状态，返回false表示已存状态更新，写入被丢弃
func (r *RedisRepository) SaveBreakerState(ctx context.Context, key string, snap *model.BreakerSnapshot, ttl time.Duration) (bool, error) {
	var lastFailure int64
	if !snap.LastFailureTime.IsZero() {
		lastFailure = snap.LastFailureTime.UnixMilli()
	}
	res, err := r.runScript(ctx, "saveBreakerState", []string{key},
		string(snap.State),
		snap.FailureCount,
		snap.SuccessCount,
		lastFailure,
		snap.UpdatedAt.UnixMilli(),
		int64(ttl/time.Second),
	)
	if err != nil {
		return false, fmt.Errorf("保存熔断器状态失败: %w", err)
	}
	written, _ := res.(int64)
	return written == 1, nil
}

func atoiField(data map[string]string, field string) (int, error) {
	v, err := int64Field(data, field)
	return int(v), err
}

func int64Field(data map[string]string, field string) (int64, error) {
	raw, ok := data[field]
	if !ok || raw == "" {
		return 0, nil
	}
	// 兼容旧版本写入的浮点秒
	if strings.Contains(raw, ".") {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("解析字段 %s 失败: %w", field, err)
		}
		return int64(f * 1000), nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析字段 %s 失败: %w", field, err)
	}
	return v, nil
}

// ---------- 任务队列 ----------

// QueueLength 队列长度
func (r *RedisRepository) QueueLength(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("读取队列 %s 长度失败: %w", queue, err)
	}
	return n, nil
}

// PushTask 任务入队
func (r *RedisRepository) PushTask(ctx context.Context, queue string, task *model.MatchTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}
	if err := r.client.LPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("任务入队失败: %w", err)
	}
	return nil
}

// PopTask 阻塞取出任务，超时返回nil
func (r *RedisRepository) PopTask(ctx context.Context, queue string, timeout time.Duration) (*model.MatchTask, error) {
	res, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("任务出队失败: %w", err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("任务出队返回格式错误")
	}

	var task model.MatchTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("解析任务失败: %w", err)
	}
	return &task, nil
}

// ScheduleRetry 任务放入延迟集合，到NotBefore后重新入队
func (r *RedisRepository) ScheduleRetry(ctx context.Context, queue string, task *model.MatchTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}
	err = r.client.ZAdd(ctx, queue+DelayedSuffix, &redis.Z{
		Score:  float64(task.NotBefore.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("任务加入延迟集合失败: %w", err)
	}
	return nil
}

// PromoteDueTasks 把到期的重试任务移回队列，返回移动的数量
func (r *RedisRepository) PromoteDueTasks(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	res, err := r.runScript(ctx, "promoteDueTasks", []string{queue + DelayedSuffix, queue},
		now.UnixMilli(), limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return int(n), nil
}

// PushDead 超过重试次数的任务进入死信列表
func (r *RedisRepository) PushDead(ctx context.Context, queue string, task *model.MatchTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}
	if err := r.client.LPush(ctx, queue+DeadSuffix, data).Err(); err != nil {
		return fmt.Errorf("任务写入死信列表失败: %w", err)
	}
	return nil
}

// ---------- 实时服务桥接 ----------

// Publish 发布消息
func (r *RedisRepository) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("发布到频道 %s 失败: %w", channel, err)
	}
	return nil
}

// SetEx 设置带过期时间的键
func (r *RedisRepository) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("设置键 %s 失败: %w", key, err)
	}
	return nil
}

// Get 读取字符串键，不存在时found为false
func (r *RedisRepository) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("读取键 %s 失败: %w", key, err)
	}
	return v, true, nil
}
