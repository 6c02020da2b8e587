package data

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DiseaseInfo describes one of the supported diseases for consumers of the
// classifier output.
type DiseaseInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Symptoms    []string `json:"symptoms"`
	Treatment   string   `json:"treatment"`
	Severity    string   `json:"severity"`
}

// DiseaseUpdate carries a partial update; nil fields are left unchanged.
type DiseaseUpdate struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Symptoms    *[]string `json:"symptoms"`
	Treatment   *string   `json:"treatment"`
	Severity    *string   `json:"severity"`
}

// DiseaseStore persists disease descriptions as a JSON file, seeded with
// the built-in entries for the four classes.
type DiseaseStore struct {
	Path string
}

// NewDiseaseStore opens the store, creating the seed file when missing.
func NewDiseaseStore(path string) (*DiseaseStore, error) {
	s := &DiseaseStore{Path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.save(defaultDiseaseInfo()); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// All returns every disease entry keyed by class name.
func (s *DiseaseStore) All() (map[string]DiseaseInfo, error) {
	return s.load()
}

// Get returns one disease entry.
func (s *DiseaseStore) Get(id string) (DiseaseInfo, error) {
	infos, err := s.load()
	if err != nil {
		return DiseaseInfo{}, err
	}
	info, ok := infos[id]
	if !ok {
		return DiseaseInfo{}, fmt.Errorf("unknown disease %q", id)
	}

	return info, nil
}

// Update applies a partial update to one entry and persists the store.
func (s *DiseaseStore) Update(id string, upd DiseaseUpdate) (DiseaseInfo, error) {
	infos, err := s.load()
	if err != nil {
		return DiseaseInfo{}, err
	}
	info, ok := infos[id]
	if !ok {
		return DiseaseInfo{}, fmt.Errorf("unknown disease %q", id)
	}

	if upd.Name != nil {
		info.Name = *upd.Name
	}
	if upd.Description != nil {
		info.Description = *upd.Description
	}
	if upd.Symptoms != nil {
		info.Symptoms = *upd.Symptoms
	}
	if upd.Treatment != nil {
		info.Treatment = *upd.Treatment
	}
	if upd.Severity != nil {
		info.Severity = *upd.Severity
	}

	infos[id] = info
	if err := s.save(infos); err != nil {
		return DiseaseInfo{}, err
	}

	return info, nil
}

func (s *DiseaseStore) load() (map[string]DiseaseInfo, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}

	infos := make(map[string]DiseaseInfo)
	if err := json.Unmarshal(b, &infos); err != nil {
		return nil, err
	}

	return infos, nil
}

func (s *DiseaseStore) save(infos map[string]DiseaseInfo) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), os.ModePerm); err != nil {
		return err
	}

	b, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.Path, b, 0o644)
}

func defaultDiseaseInfo() map[string]DiseaseInfo {
	return map[string]DiseaseInfo{
		constants.ClassNames[0]: {
			Name:        "Candidiasis",
			Description: "A fungal infection caused by Candida yeast, commonly affecting moist areas of the skin.",
			Symptoms:    []string{"Red, itchy rash", "Skin irritation", "White patches", "Scaling or cracking"},
			Treatment:   "Antifungal creams or oral medications. Keep affected area clean and dry.",
			Severity:    "mild_to_moderate",
		},
		constants.ClassNames[1]: {
			Name:        "Tinea Corporis (Ringworm)",
			Description: "A fungal infection of the body skin, characterized by circular, ring-shaped rashes.",
			Symptoms:    []string{"Ring-shaped rash", "Red, scaly border", "Clear center", "Itching"},
			Treatment:   "Topical antifungal creams. Severe cases may require oral antifungal medication.",
			Severity:    "mild_to_moderate",
		},
		constants.ClassNames[2]: {
			Name:        "Tinea Pedis (Athlete's Foot)",
			Description: "A fungal infection affecting the feet, especially between the toes.",
			Symptoms:    []string{"Itching and burning", "Cracked, peeling skin", "Blisters", "Dry, scaly skin"},
			Treatment:   "Antifungal powders, sprays, or creams. Keep feet dry and wear breathable footwear.",
			Severity:    "mild",
		},
		constants.ClassNames[3]: {
			Name:        "Tinea Versicolor",
			Description: "A fungal infection causing discolored patches of skin, usually on the trunk.",
			Symptoms:    []string{"Discolored skin patches", "Mild itching", "Scaling", "Patches that tan unevenly"},
			Treatment:   "Antifungal shampoos, creams, or oral medications. May recur in warm weather.",
			Severity:    "mild",
		},
	}
}
