package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/shopspring/decimal"

	"offpos/internal/model"
)

func main() {
	var (
		count      int
		batches    int
		seed       int64
		outputFile string
	)
	flag.IntVar(&count, "count", 100, "number of products to generate")
	flag.IntVar(&batches, "batches", 2, "max batches per product")
	flag.Int64Var(&seed, "seed", 1, "random seed")
	flag.StringVar(&outputFile, "output", "products.json", "output file")
	flag.Parse()

	products := generateProducts(rand.New(rand.NewSource(seed)), count, batches)
	if err := writeProducts(outputFile, products); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
	log.Printf("generated %d product batches to %s", len(products), outputFile)
}

var names = []string{"Milk", "Bread", "Eggs", "Rice", "Tea", "Sugar", "Butter", "Cheese", "Apples", "Soap"}

func generateProducts(r *rand.Rand, count, maxBatches int) []model.CachedProduct {
	if maxBatches < 1 {
		maxBatches = 1
	}
	out := make([]model.CachedProduct, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("p%d", i+1)
		name := fmt.Sprintf("%s %d", names[r.Intn(len(names))], i+1)
		cost := decimal.New(int64(100+r.Intn(9000)), -2) // 1.00-90.99
		category := fmt.Sprintf("c%d", 1+r.Intn(8))
		uc := model.ContextPOS
		if r.Intn(4) == 0 {
			uc = model.ContextCatalog
		}
		n := 1 + r.Intn(maxBatches)
		for b := 0; b < n; b++ {
			margin := decimal.New(int64(110+r.Intn(60)), -2) // x1.10-x1.69
			p := model.CachedProduct{
				ID:            id,
				Name:          name,
				ManageStock:   true,
				BatchID:       fmt.Sprintf("%s-b%d", id, b+1),
				BatchNumber:   fmt.Sprintf("LOT%04d", r.Intn(10000)),
				StockQuantity: decimal.NewFromInt(int64(r.Intn(200))),
				Cost:          cost,
				Price:         cost.Mul(margin).Round(2),
				ProductType:   "standard",
				AlertQuantity: decimal.NewFromInt(5),
				CategoryID:    category,
				Context:       uc,
			}
			if r.Intn(10) == 0 {
				p.Discount = decimal.NewFromInt(1)
			}
			out = append(out, p)
		}
	}
	return out
}

func writeProducts(outputFile string, products []model.CachedProduct) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(products); err != nil {
		return fmt.Errorf("encode products: %w", err)
	}
	return nil
}
