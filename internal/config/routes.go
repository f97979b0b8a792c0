package config

import (
    "errors"
    "fmt"
    "io/fs"
    "os"

    "github.com/go-playground/validator/v10"
    "gopkg.in/yaml.v3"

    "github.com/iliyamo/transit-seat-reservation/internal/geo"
    "github.com/iliyamo/transit-seat-reservation/internal/route"
)

// RoutesFile is the YAML layout of ROUTES_FILE:
//
//  default: Bayambang→Dagupan
//  routes:
//    - id: Bayambang→Dagupan
//      color: "#16a34a"
//      origin: {lat: 15.8127, lng: 120.4540}
//      waypoints: [{lat: 15.9206, lng: 120.4157}]
//      destination: {lat: 16.0431, lng: 120.3333}
type RoutesFile struct {
    Default string             `yaml:"default"`
    Routes  []route.Definition `yaml:"routes" validate:"required,min=1,dive"`
}

// Stops along the built-in corridor.
var (
    stopBayambang = geo.Point{Lat: 15.8127, Lng: 120.4540}
    stopMalasiqui = geo.Point{Lat: 15.9206, Lng: 120.4157}
    stopCalasiao  = geo.Point{Lat: 16.0117, Lng: 120.3570}
    stopDagupan   = geo.Point{Lat: 16.0431, Lng: 120.3333}
)

// DefaultRoutes is the Bayambang, Malasiqui, Calasiao, Dagupan corridor,
// one definition per direction of travel.
func DefaultRoutes() RoutesFile {
    return RoutesFile{
        Default: "Bayambang→Dagupan",
        Routes: []route.Definition{
            {ID: "Bayambang→Dagupan", Color: "#16a34a", Origin: stopBayambang, Waypoints: []geo.Point{stopMalasiqui, stopCalasiao}, Destination: stopDagupan},
            {ID: "Dagupan→Calasiao", Color: "#0ea5e9", Origin: stopDagupan, Destination: stopCalasiao},
            {ID: "Calasiao→Malasiqui", Color: "#f97316", Origin: stopCalasiao, Destination: stopMalasiqui},
            {ID: "Malasiqui→Bayambang", Color: "#facc15", Origin: stopMalasiqui, Destination: stopBayambang},
        },
    }
}

// LoadRoutes reads and validates path.  A missing file yields the built-in
// corridor; a malformed one is an error.
func LoadRoutes(path string) (RoutesFile, error) {
    data, err := os.ReadFile(path)
    if errors.Is(err, fs.ErrNotExist) {
        return DefaultRoutes(), nil
    }
    if err != nil {
        return RoutesFile{}, fmt.Errorf("read routes: %w", err)
    }
    var rf RoutesFile
    if err := yaml.Unmarshal(data, &rf); err != nil {
        return RoutesFile{}, fmt.Errorf("parse routes %s: %w", path, err)
    }
    if err := validator.New().Struct(rf); err != nil {
        return RoutesFile{}, fmt.Errorf("invalid routes %s: %w", path, err)
    }
    seen := make(map[string]bool, len(rf.Routes))
    for _, d := range rf.Routes {
        if seen[d.ID] {
            return RoutesFile{}, fmt.Errorf("invalid routes %s: duplicate id %q", path, d.ID)
        }
        seen[d.ID] = true
    }
    if rf.Default != "" && !seen[rf.Default] {
        return RoutesFile{}, fmt.Errorf("invalid routes %s: default %q is not defined", path, rf.Default)
    }
    return rf, nil
}
