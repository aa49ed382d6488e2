package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trunkdial/internal/api"
	"trunkdial/internal/auth"
	"trunkdial/internal/config"
	"trunkdial/internal/dialer"
	"trunkdial/internal/gateway"
	"trunkdial/internal/store"
	"trunkdial/internal/wsmon"
)

const defaultConfigPath = "/etc/trunkdial/trunkdial.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "start":
		cmdStart()
	case "migrate":
		cmdMigrate()
	case "user-add":
		cmdUserAdd()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Trunkdial - Campaign Dialer Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  trunkdial start                        Run the full service")
	fmt.Println("  trunkdial migrate                      Create database tables")
	fmt.Println("  trunkdial user-add <user> <pass> [role] Create an API account")
	fmt.Println()
}

func loadConfig() *config.Config {
	configPath := os.Getenv("TRUNKDIAL_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Main] Error loading config: %v", err)
	}
	return cfg
}

// cmdStart wires everything together and runs until interrupted
func cmdStart() {
	log.Println("[Main] Trunkdial Service v1.0")
	log.Println("[Main] Starting services...")

	cfg := loadConfig()
	auth.SetSecret(cfg.API.JWTSecret)

	conn, err := store.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("[Main] Error connecting to database: %v", err)
	}
	defer conn.Close()

	if err := store.Migrate(conn.DB); err != nil {
		log.Fatalf("[Main] Error migrating database: %v", err)
	}
	st := store.NewMySQLStore(conn)
	log.Println("[Main] ✓ Database connected")

	amiClient := gateway.NewAMIClient(&cfg.AMI)
	if err := amiClient.Connect(); err != nil {
		log.Fatalf("[Main] Error connecting AMI: %v", err)
	}
	defer amiClient.Close()
	log.Println("[Main] ✓ AMI client connected")

	// The placer feeds outcomes back into the manager; the manager owns
	// the placer for origination. Wire through a closure.
	var manager *dialer.Manager
	placer := gateway.NewAMIPlacer(amiClient, &cfg.AMI, func(oc gateway.CallOutcome) {
		manager.HandleOutcome(oc)
	})
	manager = dialer.NewManager(st, placer, &cfg.Dialer)

	placer.Start()
	defer placer.Stop()
	log.Println("[Main] ✓ AMI placer started")

	hub := wsmon.NewHub()
	go hub.Run()
	log.Println("[Main] ✓ Monitor hub started")

	broadcaster := dialer.NewBroadcaster(manager, hub, cfg.Dialer.StatusBroadcast())
	broadcaster.Start()
	defer broadcaster.Stop()

	apiServer := api.NewServer(cfg, st, manager, hub)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("[Main] Error starting API: %v", err)
		}
	}()
	log.Println("[Main] ✓ REST API started")

	log.Println("[Main] ========================================")
	log.Printf("[Main] REST API listening on %s", cfg.API.Address())
	log.Println("[Main] Service started")
	log.Println("[Main] Press Ctrl+C to stop")
	log.Println("[Main] ========================================")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Main] Stopping service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(ctx); err != nil {
		log.Printf("[Main] API shutdown: %v", err)
	}
	manager.Shutdown()
}

// cmdMigrate creates the schema and exits
func cmdMigrate() {
	cfg := loadConfig()

	conn, err := store.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer conn.Close()

	if err := store.Migrate(conn.DB); err != nil {
		log.Fatalf("Error migrating database: %v", err)
	}
	fmt.Println("Migration complete")
}

// cmdUserAdd creates an API account directly in the database
func cmdUserAdd() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: trunkdial user-add <username> <password> [role]")
		os.Exit(1)
	}
	username := os.Args[2]
	password := os.Args[3]
	role := "operator"
	if len(os.Args) > 4 {
		role = os.Args[4]
	}

	cfg := loadConfig()
	conn, err := store.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer conn.Close()

	if err := store.Migrate(conn.DB); err != nil {
		log.Fatalf("Error migrating database: %v", err)
	}
	st := store.NewMySQLStore(conn)

	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("Error hashing password: %v", err)
	}
	u := &store.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}
	if err := st.CreateUser(u); err != nil {
		log.Fatalf("Error creating user: %v", err)
	}
	fmt.Printf("User %s created (role %s)\n", username, role)
}
