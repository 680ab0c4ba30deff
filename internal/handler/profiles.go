package handler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// profileFile is the layout of a profiles YAML file:
//
//	profiles:
//	  cbs-6-7:
//	    rx_iface: eth1
//	    send:
//	      iface: eth0
//	      classes: [6, 7]
//	      pps: 2000
type profileFile struct {
	Profiles map[string]model.TestRequest `yaml:"profiles"`
}

// LoadProfiles reads named test presets from a YAML file.
func LoadProfiles(path string) (map[string]model.TestRequest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProfiles(b)
}

// ParseProfiles parses the content of a profiles file.
func ParseProfiles(b []byte) (map[string]model.TestRequest, error) {
	var pf profileFile
	if err := yaml.UnmarshalStrict(b, &pf); err != nil {
		return nil, err
	}
	for name, p := range pf.Profiles {
		for _, c := range p.Send.Classes {
			if c < 0 || c >= spec.MaxClasses {
				return nil, fmt.Errorf("profile %q: invalid class %d", name, c)
			}
		}
	}
	return pf.Profiles, nil
}
