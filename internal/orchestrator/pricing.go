package orchestrator

import "github.com/digkill/TGVideoBot/internal/models"

// DefaultCost is charged for (model, duration) pairs missing from the price table.
const DefaultCost int64 = 10

var priceTable = map[models.ModelType]map[int]int64{
	models.ModelSeedanceLite: {5: 10, 10: 20},
	models.ModelSeedancePro:  {5: 25, 10: 50},
	models.ModelVeo3Fast:     {models.Veo3Duration: 60},
	models.ModelVeo3:         {models.Veo3Duration: 100},
}

// Cost returns the credit price of a clip and whether the pair was priced explicitly.
func Cost(model models.ModelType, duration int) (int64, bool) {
	if byDuration, ok := priceTable[model]; ok {
		if cost, ok := byDuration[duration]; ok {
			return cost, true
		}
	}
	return DefaultCost, false
}
