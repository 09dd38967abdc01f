package seckill

import rd "github.com/redis/go-redis/v9"

// admitScript 秒杀资格校验：时间窗 → 库存 → 一人一单，全部通过才扣库存并记录用户。
// 三次检查与一次写入在 Redis 内原子完成，不会在多次往返之间产生竞态。
// KEYS[1]=库存key KEYS[2]=时间窗key KEYS[3]=已下单用户集合
// ARGV[1]=userId ARGV[2]=当前毫秒时间戳
// 返回 0 成功，1 库存不足，2 重复下单，3 不在秒杀时间内
var admitScript = rd.NewScript(`
local window = redis.call('HMGET', KEYS[2], 'begin', 'end')
local beginAt = tonumber(window[1])
local endAt = tonumber(window[2])
local now = tonumber(ARGV[2])
if (not beginAt) or (not endAt) or now < beginAt or now > endAt then
  return 3
end
local stock = tonumber(redis.call('GET', KEYS[1]))
if (not stock) or stock <= 0 then
  return 1
end
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
  return 2
end
redis.call('INCRBY', KEYS[1], -1)
redis.call('SADD', KEYS[3], ARGV[1])
return 0
`)

// revertScript 回滚一次成功的资格：用户仍在集合中才回补库存，天然幂等。
// KEYS[1]=库存key KEYS[2]=已下单用户集合 ARGV[1]=userId
var revertScript = rd.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 1 then
  redis.call('INCRBY', KEYS[1], 1)
  return 1
end
return 0
`)

// preloadScript 预热库存与时间窗；已下单用户集合保留，避免重复预热后同一用户再次抢到。
// 集合里尚未落库的用户（还在队列中）已经占用了库存，写入的库存要扣掉这部分。
// KEYS[1]=库存key KEYS[2]=时间窗key KEYS[3]=已下单用户集合
// ARGV[1]=落库库存 ARGV[2]=开始毫秒 ARGV[3]=结束毫秒 ARGV[4]=已落库订单数
// 返回写入的库存
var preloadScript = rd.NewScript(`
local pending = redis.call('SCARD', KEYS[3]) - tonumber(ARGV[4])
if pending < 0 then
  pending = 0
end
local stock = tonumber(ARGV[1]) - pending
if stock < 0 then
  stock = 0
end
redis.call('SET', KEYS[1], stock)
redis.call('HSET', KEYS[2], 'begin', ARGV[2], 'end', ARGV[3])
return stock
`)
