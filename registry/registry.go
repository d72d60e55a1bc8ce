package registry

import (
	"PhoneDetServer/logger"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CpuInstance  = 0x2002
	CudaInstance = 0x2003

	heartbeatSeconds = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type Config struct {
	Addr string
	Port int
}

// SendAliveMessage announces this instance to the registration server
// every heartbeat interval until the context is cancelled.
func SendAliveMessage(ctx context.Context, wg *sync.WaitGroup, cfg Config, ip string, port int, instanceClass int) {
	defer wg.Done()
	addr := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	ticker := time.NewTicker(heartbeatSeconds * time.Second)
	defer ticker.Stop()
	client := resty.New().SetTimeout(heartbeatSeconds * time.Second)
	id := uuid.NewString()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody RegisterResponse
		url := fmt.Sprintf("http://%s/api/register", addr)
		reqBody := RegisterRequest{
			Id:            id,
			IP:            ip,
			Port:          port,
			InstanceClass: instanceClass,
			TimeStamp:     time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			logger.Log().Error("registry request error", zap.Error(err))
			return
		}
		if resp.IsError() {
			logger.Log().Error("registry returned error",
				zap.String("status", resp.Status()), zap.String("body", resp.String()))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
