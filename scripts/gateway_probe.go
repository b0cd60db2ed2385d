package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/parley/pkg/gateway"
	"github.com/spf13/viper"
)

type probeConfig struct {
	Gateway struct {
		URL        string `mapstructure:"url"`
		Token      string `mapstructure:"token"`
		SessionKey string `mapstructure:"session_key"`
	} `mapstructure:"gateway"`
}

func main() {
	configPath := flag.String("config", "examples/console/config.yaml", "")
	url := flag.String("url", "", "override gateway.url")
	token := flag.String("token", "", "override gateway.token")
	message := flag.String("message", "ping", "text to send; empty only checks the handshake")
	timeout := flag.Duration("timeout", 30*time.Second, "")
	flag.Parse()

	cfg, err := loadProbeConfig(*configPath)
	if err != nil && *url == "" {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Gateway.URL = *url
	}
	if *token != "" {
		cfg.Gateway.Token = *token
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := gateway.NewClient(gateway.Options{})
	defer client.Close()
	replies := make(chan gateway.Reply, 1)
	client.SubscribeReplies(func(r gateway.Reply) {
		select {
		case replies <- r:
		default:
		}
	})

	started := time.Now()
	if err := client.Connect(ctx, gateway.Config{
		URL:        cfg.Gateway.URL,
		Token:      cfg.Gateway.Token,
		SessionKey: cfg.Gateway.SessionKey,
		ClientID:   "parley-probe",
	}); err != nil {
		fmt.Println("connect error:", err)
		os.Exit(1)
	}
	if err := client.AwaitConnected(ctx); err != nil {
		fmt.Println("handshake error:", err, "state:", client.State())
		os.Exit(1)
	}
	fmt.Printf("connected in %s\n", time.Since(started).Round(time.Millisecond))
	if *message == "" {
		return
	}

	sent := time.Now()
	if err := client.SendChat(ctx, *message); err != nil {
		fmt.Println("send error:", err)
		os.Exit(1)
	}
	select {
	case r := <-replies:
		fmt.Printf("reply in %s (message_id=%s):\n%s\n", time.Since(sent).Round(time.Millisecond), r.MessageID, r.Text)
	case <-ctx.Done():
		fmt.Println("no reply:", ctx.Err())
		os.Exit(1)
	}
}

func loadProbeConfig(path string) (probeConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("gateway.session_key", gateway.DefaultSessionKey)
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return probeConfig{}, err
	}
	var cfg probeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return probeConfig{}, err
	}
	cfg.Gateway.URL = os.ExpandEnv(cfg.Gateway.URL)
	cfg.Gateway.Token = os.ExpandEnv(cfg.Gateway.Token)
	return cfg, nil
}
