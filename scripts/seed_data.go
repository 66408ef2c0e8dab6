package main

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/database"
	"github.com/metergate/metergate/internal/models"
)

func main() {
	// Load .env file
	_ = godotenv.Load("../.env")

	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Initialize database
	dbConfig := &database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	if err := database.Initialize(dbConfig); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.Close()

	db := database.GetDB()

	// Create demo users, one per interesting tier
	freeUser := &models.User{
		Email:         "demo@metergate.dev",
		Name:          "Demo User",
		EmailVerified: true,
		Role:          models.RoleUser,
		Tier:          models.TierFree,
	}
	if err := db.Where("email = ?", freeUser.Email).FirstOrCreate(freeUser).Error; err != nil {
		log.Fatal("Failed to create demo user:", err)
	}
	fmt.Println("Demo user:", freeUser.Email, "("+string(freeUser.Tier)+")")

	proUser := &models.User{
		Email:         "pro@metergate.dev",
		Name:          "Demo Pro User",
		EmailVerified: true,
		Role:          models.RoleUser,
		Tier:          models.TierPro,
	}
	if err := db.Where("email = ?", proUser.Email).FirstOrCreate(proUser).Error; err != nil {
		log.Fatal("Failed to create demo pro user:", err)
	}
	fmt.Println("Demo user:", proUser.Email, "("+string(proUser.Tier)+")")

	// Give each user a current subscription pool for this billing period
	now := time.Now()
	pools := []*models.Credit{
		{
			UserID:             freeUser.ID,
			SubscriptionID:     "demo-sub-free",
			BillingPeriodStart: now,
			BillingPeriodEnd:   now.AddDate(0, 1, 0),
			TotalCredits:       2_000,
			IsCurrent:          true,
		},
		{
			UserID:             proUser.ID,
			SubscriptionID:     "demo-sub-pro",
			BillingPeriodStart: now,
			BillingPeriodEnd:   now.AddDate(0, 1, 0),
			TotalCredits:       50_000,
			IsCurrent:          true,
		},
	}
	for _, pool := range pools {
		if err := db.Create(pool).Error; err != nil {
			log.Println("Credit pool might already exist:", err)
		} else {
			fmt.Printf("Created subscription pool: %d credits until %s\n",
				pool.TotalCredits, pool.BillingPeriodEnd.Format("2006-01-02"))
		}
	}

	// Top up the pro user so the purchased pool path has data too
	topup := &models.PurchasedCredit{
		UserID:       proUser.ID,
		PurchaseID:   "demo-topup-" + uuid.New().String()[:8],
		TotalCredits: 10_000,
	}
	if err := db.Create(topup).Error; err != nil {
		log.Println("Top-up might already exist:", err)
	} else {
		fmt.Println("Created purchased top-up:", topup.PurchaseID)
	}

	fmt.Println("\nSeed data created successfully!")
	fmt.Println("Top up further with: metergate credits grant <email> --amount <credits>")
}
