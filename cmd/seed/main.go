package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"classtrack/internal/account"
	"classtrack/internal/apperr"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/device"
	"classtrack/internal/store"
	"classtrack/internal/student"
)

var (
	classes = []string{"10-A", "10-B", "10-C"}
	names   = []string{
		"Ahmed Hassan", "Fatima Ali", "Mohammad Khan", "Sara Hussein",
		"Omar Abdullah", "Layla Ahmed", "Zara Ali", "Hassan Ahmed",
		"Aisha Khan", "Yusuf Ibrahim", "Mariam Said", "Ali Rashid",
	}
)

type seedDevice struct {
	in      device.RegisterInput
	battery int
	signal  int
	online  bool
}

var devices = []seedDevice{
	{device.RegisterInput{DeviceID: "ESP32-101", Name: "Room 101 Sensor", Type: device.TypeFingerprintScanner, Location: "Room 101"}, 92, 85, true},
	{device.RegisterInput{DeviceID: "ESP32-102", Name: "Room 102 Sensor", Type: device.TypeMultiSensor, Location: "Room 102"}, 87, 78, true},
	{device.RegisterInput{DeviceID: "ESP32-103", Name: "Room 103 Sensor", Type: device.TypeFingerprintScanner, Location: "Room 103"}, 76, 91, true},
	{device.RegisterInput{DeviceID: "ESP32-104", Name: "Room 104 Sensor", Type: device.TypeMultiSensor, Location: "Room 104"}, 68, 72, true},
	{device.RegisterInput{DeviceID: "ESP32-LAB", Name: "Lab Sensor", Type: device.TypeMultiSensor, Location: "Lab"}, 0, 0, false},
}

// seed applies the schema, creates demo data and optionally provisions a
// device token:
//
//	seed                       schema + admin + students + devices
//	seed -provision ESP32-LAB  also print a fresh device token
func main() {
	provision := flag.String("provision", "", "device id to mint a device token for")
	skipDemo := flag.Bool("schema-only", false, "apply the schema without demo data")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: .env not loaded: %v", err)
	}
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("schema applied")

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.UserTokenTTL, cfg.DeviceTokenTTL)
	registry := device.NewRegistry(device.NewPostgresRepository(db.Client), issuer)

	if !*skipDemo {
		if err := seedDemo(ctx, db, registry, issuer); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}

	if *provision != "" {
		p, err := registry.Provision(ctx, device.ProvisionInput{DeviceID: *provision})
		if err != nil {
			log.Fatalf("provision %s: %v", *provision, err)
		}
		fmt.Printf("device %s token (expires %s):\n%s\n", p.Device.DeviceID, p.ExpiresAt.Format(time.RFC3339), p.Token)
	}
}

func seedDemo(ctx context.Context, db *store.DB, registry *device.Registry, issuer *auth.Issuer) error {
	accounts := account.NewService(account.NewPostgresRepository(db.Client), issuer)
	if _, err := accounts.Create(ctx, "admin@school.com", "admin123", "Admin User", account.RoleAdmin); err != nil && !apperr.Is(err, apperr.KindDuplicate) {
		return err
	}
	log.Println("admin user: admin@school.com")

	students := student.NewService(student.NewPostgresRepository(db.Client))
	created := 0
	for i, name := range names {
		fp := fmt.Sprintf("FP_%d_DATA", i+1)
		_, err := students.Create(ctx, student.Student{
			StudentID:       fmt.Sprintf("STU%04d", i+1),
			Name:            name,
			Class:           classes[i%len(classes)],
			FingerprintData: &fp,
		})
		switch {
		case err == nil:
			created++
		case apperr.Is(err, apperr.KindDuplicate):
		default:
			return err
		}
	}
	log.Printf("students: %d created, %d already present", created, len(names)-created)

	for _, d := range devices {
		if _, err := registry.Register(ctx, d.in); err != nil && !apperr.Is(err, apperr.KindDuplicate) {
			return err
		}
		if !d.online {
			continue
		}
		uptime := "45 days"
		battery, signal := d.battery, d.signal
		if _, _, err := registry.UpsertStatus(ctx, d.in.DeviceID, device.StatusUpdate{
			Battery:    &battery,
			Signal:     &signal,
			SignalUnit: device.SignalPercent,
			Uptime:     &uptime,
			Status:     device.StatusOnline,
		}); err != nil {
			return err
		}
	}
	log.Printf("devices: %d registered", len(devices))
	return nil
}
