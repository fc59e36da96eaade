package main

import (
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
)

const demoHospital = "3b8f6c2e-0d7a-4c53-9a39-5a0f0c1d2e01"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}
	hospital := flag.String("hospital", demoHospital, "hospital id to seed")
	flag.Parse()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		log.Fatalf("Failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	seedHospital(tx, *hospital)
	seedItems(tx, *hospital)
	tier := seedLoyalty(tx, *hospital)
	seedPatients(tx, *hospital, tier)
	seedCampaigns(tx, *hospital)

	if err := tx.Commit(); err != nil {
		log.Fatalf("Failed to commit: %v", err)
	}
	log.Printf("Seeded hospital %s", *hospital)
}

func must(err error, what string) {
	if err != nil {
		log.Fatalf("Failed to seed %s: %v", what, err)
	}
}

func seedHospital(tx *sql.Tx, hospital string) {
	stacking := `{
  "campaign": {"mode": "incremental"},
  "bulk": {"mode": "incremental", "exclude_with_campaign": true},
  "loyalty": {"mode": "incremental"},
  "vip": {"mode": "absolute"},
  "standard": {"mode": "fallback"},
  "max_total_discount": "40"
}`
	_, err := tx.Exec(`
		INSERT INTO hospitals (id, name, bulk_discount_enabled, bulk_min_service_count, bulk_min_medicine_quantity, bulk_effective_from, stacking_config)
		VALUES ($1, 'RS Sehat Sentosa', TRUE, 3, 10, $2, $3)
		ON CONFLICT (id) DO UPDATE SET stacking_config = EXCLUDED.stacking_config, updated_at = now();
	`, hospital, time.Now().AddDate(0, -1, 0).Format("2006-01-02"), stacking)
	must(err, "hospital")
}

func seedItems(tx *sql.Tx, hospital string) {
	items := []struct {
		Type, ID, Name                   string
		Bulk, Standard, VIP, MaxDiscount string
		Groups                           []string
	}{
		{"service", "consult-gp", "General practitioner consultation", "5", "3", "10", "25", []string{"outpatient"}},
		{"service", "xray-chest", "Chest X-ray", "5", "5", "15", "30", []string{"radiology"}},
		{"service", "lab-cbc", "Complete blood count", "10", "0", "10", "20", []string{"laboratory"}},
		{"medicine", "amoxicillin-500", "Amoxicillin 500mg", "8", "2", "5", "15", []string{"antibiotics"}},
		{"medicine", "paracetamol-500", "Paracetamol 500mg", "10", "0", "5", "10", nil},
		{"package", "mcu-basic", "Basic medical check-up", "0", "7", "20", "35", []string{"mcu"}},
	}
	for _, it := range items {
		_, err := tx.Exec(`
			INSERT INTO discount_items (hospital_id, item_type, item_id, name, bulk_discount_percent, standard_discount_percent, vip_discount_percent, max_discount, group_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (hospital_id, item_type, item_id) DO UPDATE SET
				name = EXCLUDED.name,
				bulk_discount_percent = EXCLUDED.bulk_discount_percent,
				standard_discount_percent = EXCLUDED.standard_discount_percent,
				vip_discount_percent = EXCLUDED.vip_discount_percent,
				max_discount = EXCLUDED.max_discount,
				group_ids = EXCLUDED.group_ids;
		`, hospital, it.Type, it.ID, it.Name, it.Bulk, it.Standard, it.VIP, it.MaxDiscount, pq.Array(nonNil(it.Groups)))
		must(err, "item "+it.ID)
	}
}

func seedLoyalty(tx *sql.Tx, hospital string) string {
	var id string
	err := tx.QueryRow(`SELECT id FROM loyalty_tiers WHERE hospital_id = $1 AND name = 'Gold'`, hospital).Scan(&id)
	if err == nil {
		return id
	}
	err = tx.QueryRow(`
		INSERT INTO loyalty_tiers (hospital_id, name, discount_percent) VALUES ($1, 'Gold', 5) RETURNING id;
	`, hospital).Scan(&id)
	must(err, "loyalty tier")
	return id
}

func seedPatients(tx *sql.Tx, hospital, tier string) {
	patients := []struct {
		ID           string
		VIP, Special bool
		VIPPercent   string
		Card         string
	}{
		{"P-0001", false, false, "0", "GOLD-0001"},
		{"P-0002", true, false, "12", ""},
		{"P-0003", false, true, "0", "GOLD-0003"},
		{"P-0004", false, false, "0", ""},
	}
	for _, p := range patients {
		_, err := tx.Exec(`
			INSERT INTO patients (hospital_id, id, is_vip, is_special_group, vip_discount_percent)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (hospital_id, id) DO UPDATE SET is_vip = EXCLUDED.is_vip, is_special_group = EXCLUDED.is_special_group, vip_discount_percent = EXCLUDED.vip_discount_percent;
		`, hospital, p.ID, p.VIP, p.Special, p.VIPPercent)
		must(err, "patient "+p.ID)
		if p.Card == "" {
			continue
		}
		_, err = tx.Exec(`
			INSERT INTO loyalty_wallets (hospital_id, patient_id, card_number, tier_id, active, expires_at)
			VALUES ($1, $2, $3, $4, TRUE, $5)
			ON CONFLICT (hospital_id, patient_id) DO UPDATE SET tier_id = EXCLUDED.tier_id, active = TRUE, expires_at = EXCLUDED.expires_at;
		`, hospital, p.ID, p.Card, tier, time.Now().AddDate(1, 0, 0).Format("2006-01-02"))
		must(err, "wallet "+p.Card)
	}
}

func seedCampaigns(tx *sql.Tx, hospital string) {
	start := time.Now().AddDate(0, 0, -7).Format("2006-01-02")
	end := time.Now().AddDate(0, 1, 0).Format("2006-01-02")
	campaigns := []struct {
		Name, Code, Kind, DiscountKind, Value, AppliesTo string
		Targets                                          []string
		Personalized                                     bool
		MaxTotal, MaxPerPatient                          *int
		Rule                                             *string
	}{
		{Name: "Radiology week", Kind: "simple_discount", DiscountKind: "percentage", Value: "10", AppliesTo: "service", Targets: []string{"xray-chest"}},
		{Name: "Welcome voucher", Code: "WELCOME25", Kind: "simple_discount", DiscountKind: "fixed_amount", Value: "25000", AppliesTo: "all", Personalized: true, MaxPerPatient: intp(1)},
		{Name: "Pharmacy bundle", Kind: "buy_x_get_y", DiscountKind: "percentage", Value: "0", AppliesTo: "medicine", MaxTotal: intp(500),
			Rule: strp(`{"trigger":{"item_ids":["amoxicillin-500"],"min_quantity":"10"},"reward":{"items":[{"item_id":"paracetamol-500","discount_percent":"50","max_quantity":"10"}]}}`)},
	}
	for _, c := range campaigns {
		var code any
		if c.Code != "" {
			code = c.Code
		}
		var rule any
		if c.Rule != nil {
			rule = *c.Rule
		}
		_, err := tx.Exec(`
			INSERT INTO campaigns (hospital_id, name, code, kind, discount_kind, discount_value, start_date, end_date, status, approved, personalized, applies_to, target_item_ids, max_uses_total, max_uses_per_patient, rule)
			SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text, $6::numeric, $7::date, $8::date, 'active', TRUE, $9::boolean, $10::text, $11::text[], $12::int, $13::int, $14::jsonb
			WHERE NOT EXISTS (SELECT 1 FROM campaigns WHERE hospital_id = $1::uuid AND name = $2::text);
		`, hospital, c.Name, code, c.Kind, c.DiscountKind, c.Value, start, end, c.Personalized, c.AppliesTo,
			pq.Array(nonNil(c.Targets)), c.MaxTotal, c.MaxPerPatient, rule)
		must(err, "campaign "+c.Name)
	}
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func intp(v int) *int { return &v }

func strp(v string) *string { return &v }
