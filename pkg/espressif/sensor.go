package espressif

import "math/rand/v2"

// Reading ranges of the synthetic sensor.
const (
	MinTemperature = 20
	MaxTemperature = 40
	MinHumidity    = 60
	MaxHumidity    = 90
)

// Sensor provides a temperature and humidity reading.
type Sensor interface {
	Read() (temperature, humidity int)
}

// RandomSensor produces uniformly distributed readings within the
// synthetic ranges.
type RandomSensor struct {
	rng *rand.Rand
}

// NewRandomSensor creates a sensor. A nil rng uses the global source.
func NewRandomSensor(rng *rand.Rand) *RandomSensor {
	return &RandomSensor{rng: rng}
}

// Read returns one reading.
func (s *RandomSensor) Read() (temperature, humidity int) {
	intN := rand.IntN
	if s.rng != nil {
		intN = s.rng.IntN
	}
	return MinTemperature + intN(MaxTemperature-MinTemperature+1),
		MinHumidity + intN(MaxHumidity-MinHumidity+1)
}
