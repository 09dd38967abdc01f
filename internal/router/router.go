package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"dianping/internal/cache"
	"dianping/internal/config"
	"dianping/internal/middleware"
	"dianping/internal/model"
	"dianping/internal/seckill"
	"dianping/internal/shop"
	rediskey "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Deps HTTP 层依赖的服务。
type Deps struct {
	Shops   *shop.Service
	Seckill *seckill.Service
	States  *seckill.StateRecorder
	RDB     rd.UniversalClient
	Config  config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	admin := adminOnly(d.Config.AdminToken)

	// 商户
	r.GET("/api/shop/:id", queryShop(d.Shops))
	r.PUT("/api/shop", updateShop(d.Shops))
	r.POST("/api/shop/:id/warm", admin, warmShop(d.Shops))

	// 秒杀券
	r.POST("/api/voucher/seckill", admin, addSeckillVoucher(d.Seckill))
	r.POST("/api/voucher/seckill/:id/preload", admin, preloadVoucher(d.Seckill))
	r.GET("/api/voucher/seckill/:id/stock", getStock(d.RDB))

	// 下单
	r.POST("/api/voucher-order/seckill/:id",
		middleware.RequireUser(),
		middleware.RedisRateLimit(d.RDB, d.Config.BuyRateLimit, d.Config.BuyRateWindow),
		seckillVoucher(d.Seckill))
	r.GET("/api/voucher-order/:id/state", orderState(d.States))
}

// adminOnly 管理接口要求简单 token，避免被任意调用重置库存。
func adminOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		c.Next()
	}
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "ID无效"})
		return 0, false
	}
	return id, true
}

func internalError(c *gin.Context, err error) {
	log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
}

func queryShop(shops *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		s, err := shops.QueryByID(c.Request.Context(), id)
		if errors.Is(err, cache.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": s})
	}
}

func updateShop(shops *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var s model.Shop
		if err := c.ShouldBindJSON(&s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if s.ID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "店铺id不能为空"})
			return
		}
		err := shops.Update(c.Request.Context(), &s)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0})
	}
}

func warmShop(shops *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		err := shops.Warm(c.Request.Context(), id)
		if errors.Is(err, cache.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// addSeckillVoucher 新增秒杀券并预热库存。
func addSeckillVoucher(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ShopID      int64  `json:"shopId" binding:"required,min=1"`
			Title       string `json:"title" binding:"required"`
			SubTitle    string `json:"subTitle"`
			Rules       string `json:"rules"`
			PayValue    int64  `json:"payValue" binding:"min=0"`
			ActualValue int64  `json:"actualValue" binding:"min=0"`
			Stock       int64  `json:"stock" binding:"min=0"`
			BeginTime   string `json:"beginTime" binding:"required"`
			EndTime     string `json:"endTime" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		begin, err := time.Parse(time.RFC3339, req.BeginTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "beginTime 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "endTime 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(begin) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "endTime 必须晚于 beginTime"})
			return
		}
		v := &model.Voucher{
			ShopID:      req.ShopID,
			Title:       req.Title,
			SubTitle:    req.SubTitle,
			Rules:       req.Rules,
			PayValue:    req.PayValue,
			ActualValue: req.ActualValue,
		}
		sv := &model.SeckillVoucher{Stock: req.Stock, BeginTime: begin, EndTime: end}
		if err := svc.AddSeckillVoucher(c.Request.Context(), v, sv); err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": v.ID})
	}
}

func preloadVoucher(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		err := svc.Preload(c.Request.Context(), id)
		if errors.Is(err, seckill.ErrVoucherNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "优惠券不存在"})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(rdb rd.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		val, err := rdb.Get(c.Request.Context(), rediskey.SeckillStockKey(id)).Int64()
		if errors.Is(err, rd.Nil) {
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": int64(0)}})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": val}})
	}
}

// seckillVoucher 秒杀下单入口，返回订单号，落库是异步的。
func seckillVoucher(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, ok := paramID(c)
		if !ok {
			return
		}
		orderID, err := svc.Seckill(c.Request.Context(), voucherID, middleware.UserID(c))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": strconv.FormatInt(orderID, 10)})
		case errors.Is(err, seckill.ErrOutOfStock):
			c.JSON(http.StatusOK, gin.H{"code": 1, "msg": "库存不足"})
		case errors.Is(err, seckill.ErrDuplicateOrder):
			c.JSON(http.StatusOK, gin.H{"code": 2, "msg": "不能重复下单"})
		case errors.Is(err, seckill.ErrSaleClosed):
			c.JSON(http.StatusOK, gin.H{"code": 3, "msg": "不在秒杀时间内"})
		case seckill.Retryable(err):
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "系统繁忙，请稍后重试"})
		default:
			internalError(c, err)
		}
	}
}

func orderState(states *seckill.StateRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		st, err := states.Lookup(c.Request.Context(), id)
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"order_id": st.OrderID,
				"status":   st.Status,
				"reason":   st.Reason,
			},
		})
	}
}
