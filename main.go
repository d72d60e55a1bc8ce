package main

import (
	"PhoneDetServer/engine"
	"PhoneDetServer/hub"
	"PhoneDetServer/logger"
	"PhoneDetServer/monitor"
	"PhoneDetServer/registry"
	"PhoneDetServer/server"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

type modelConfig struct {
	Name     string  `yaml:"name"`
	HubURL   string  `yaml:"hubURL"`
	CacheDir string  `yaml:"cacheDir"`
	Conf     float32 `yaml:"conf"`
	Iou      float32 `yaml:"iou"`
	UseGPU   bool    `yaml:"useGPU"`
}

type configStruct struct {
	HTTPPort      int         `yaml:"HTTPPort"`
	MetricsPort   int         `yaml:"MetricsPort"`
	WorkersNum    int         `yaml:"workersNum"`
	InstanceClass string      `yaml:"instanceClass"`
	UseRegServer  bool        `yaml:"UseRegServer"`
	RegServerPort int         `yaml:"RegServerPort"`
	RegServerHost string      `yaml:"RegServerHost"`
	Model         modelConfig `yaml:"model"`
}

func GetOutboundIP() (string, error) {
	// 8.8.8.8 is only used to pick a routed local address, no traffic
	// is actually sent
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func main() {
	if err := logger.InitProduction(); err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()

	ip, err := GetOutboundIP()
	if err != nil {
		fmt.Println("Failed to get outbound IP:", err)
		return
	}
	fmt.Println("Outbound IP:", ip)

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	runtime.GOMAXPROCS(CPUNum)
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	configData, err := os.ReadFile("config.yaml")
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		return
	}
	config := configStruct{}
	err = yaml.Unmarshal(configData, &config)
	if err != nil {
		fmt.Println("Failed to parse config file:", err)
		return
	}
	fmt.Println(" HTTP    Port:", config.HTTPPort)
	fmt.Println(" Metrics Port:", config.MetricsPort)
	fmt.Println("Configured Workers Num:", config.WorkersNum)
	fmt.Println("Model:", config.Model.Name)
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println("")
	if config.WorkersNum <= 0 {
		config.WorkersNum = 1
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Invalid workersNum in config, defaulting to 1")
		fmt.Println(strings.Repeat("!", 64))
	} else if config.WorkersNum > CPUNum {
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Please noted that workersNum exceeds CPU cores, which may lead to performance degradation.")
		fmt.Println(strings.Repeat("!", 64))
	}
	if config.Model.Name == "" {
		config.Model.Name = "yolov5s"
	}
	if config.Model.Conf <= 0 || config.Model.Conf > 1 {
		config.Model.Conf = 0.25
	}
	if config.Model.Iou <= 0 || config.Model.Iou > 1 {
		config.Model.Iou = 0.45
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the model must be ready before the server accepts any traffic
	modelPath, err := hub.EnsureModel(ctx, hub.Options{
		Name:     config.Model.Name,
		BaseURL:  config.Model.HubURL,
		CacheDir: config.Model.CacheDir,
	})
	if err != nil {
		logger.S().Fatalf("Failed to obtain model weights: %v", err)
	}

	pool, err := server.NewPool(config.WorkersNum, func() (server.Detector, error) {
		d := &engine.Detector{}
		if err := d.LoadModel(modelPath, config.Model.Conf, config.Model.Iou, config.Model.UseGPU); err != nil {
			return nil, err
		}
		return d, nil
	})
	if err != nil {
		logger.S().Fatalf("Failed to load detection model: %v", err)
	}
	defer pool.Close()
	if config.Model.UseGPU {
		fmt.Println("Using GPU, warming up workers")
		pool.Warmup()
		fmt.Println("Warm up finished")
	}

	var wg sync.WaitGroup
	var InstanceClass int
	switch config.InstanceClass {
	case "Cuda":
		InstanceClass = registry.CudaInstance
	default:
		InstanceClass = registry.CpuInstance
	}
	if config.UseRegServer {
		wg.Add(1)
		regCfg := registry.Config{Addr: config.RegServerHost, Port: config.RegServerPort}
		go registry.SendAliveMessage(ctx, &wg, regCfg, ip, config.HTTPPort, InstanceClass)
	} else {
		fmt.Println("UseRegServer is set to false, skipping registration")
	}
	go monitor.StartMon(config.MetricsPort, ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.HTTPPort),
		Handler: server.New(pool).Router(),
	}
	go func() {
		fmt.Println("Starting HTTP Server on", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Println("HTTP server Shutdown error:", err)
	}
	fmt.Println("Done")
	wg.Wait()
	fmt.Println("Safely exited")
}
