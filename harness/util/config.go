package util

import (
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

// Configuration keys understood by the harness. They can be set in
// harness.toml or through HARNESS_-prefixed environment variables,
// e.g. HARNESS_BIN_DIR.
const (
	KeyBinDir                = "bin_dir"                 // directory holding pagectl, pageserver, safekeeper, ...
	KeyPgDistribDir          = "pg_distrib_dir"          // postgres distribution used by compute endpoints
	KeyOutputDir             = "output_dir"              // top-level directory for per-test working directories
	KeyBasePort              = "base_port"               // first port of worker 0's range
	KeyWorkerPortNum         = "worker_port_num"         // width of each worker's port range
	KeyPreserveDatabaseFiles = "preserve_database_files" // keep local storage after teardown
	KeyOverlayDir            = "overlay_dir"             // state dir for overlayfs upper/work layers; empty disables overlays
)

type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetStringSlice(key string) []string
	SetDefault(key string, value interface{})
}

var loadConfigurationOnce sync.Once

// LoadHarnessConfiguration reads harness.toml once per process.
func LoadHarnessConfiguration() {
	loadConfigurationOnce.Do(func() {
		LoadConfiguration("harness", false)
	})
}

func LoadConfiguration(configFileName string, required bool) (loaded bool) {

	viper.SetConfigName(configFileName)
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.pagestream")
	viper.AddConfigPath("/etc/pagestream/")

	if err := viper.MergeInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") {
			glog.V(1).Infof("Reading %s: %v", viper.ConfigFileUsed(), err)
		} else {
			glog.Fatalf("Reading %s: %v", viper.ConfigFileUsed(), err)
		}
		if required {
			glog.Fatalf("Failed to load %s.toml from current directory, $HOME/.pagestream/, or /etc/pagestream/", configFileName)
		} else {
			return false
		}
	}
	glog.V(1).Infof("Reading %s.toml from %s", configFileName, viper.ConfigFileUsed())

	return true
}

type ViperProxy struct {
	*viper.Viper
	sync.Mutex
}

var vp = &ViperProxy{}

func (vp *ViperProxy) SetDefault(key string, value interface{}) {
	vp.Lock()
	defer vp.Unlock()
	vp.Viper.SetDefault(key, value)
}

func (vp *ViperProxy) GetString(key string) string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetString(key)
}

func (vp *ViperProxy) GetBool(key string) bool {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetBool(key)
}

func (vp *ViperProxy) GetInt(key string) int {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetInt(key)
}

func (vp *ViperProxy) GetStringSlice(key string) []string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetStringSlice(key)
}

func GetViper() *ViperProxy {
	vp.Lock()
	defer vp.Unlock()

	if vp.Viper == nil {
		vp.Viper = viper.GetViper()
		vp.AutomaticEnv()
		vp.SetEnvPrefix("harness")
		vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

		vp.Viper.SetDefault(KeyBasePort, 15000)
		vp.Viper.SetDefault(KeyWorkerPortNum, 100)
		vp.Viper.SetDefault(KeyPreserveDatabaseFiles, false)
	}

	return vp
}
