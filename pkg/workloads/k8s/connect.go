package k8s

import (
	"os"
	"path/filepath"

	xe "github.com/opst/caf/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// ConnectToK8s builds a clientset.
//
// The kubeconfig is searched in the order below; the later takes precedence.
//
// - `~/.kube/config`
//
// - environmental variable `KUBECONFIG`
//
// - the argument kubeconfig
//
// When no files are found, in-cluster config is used.
func ConnectToK8s(kubeconfig string) (*kubernetes.Clientset, error) {
	path := ""
	if home := homedir.HomeDir(); home != "" {
		path = filepath.Join(home, ".kube", "config")
	}
	if k := os.Getenv("KUBECONFIG"); k != "" {
		path = k
	}
	if kubeconfig != "" {
		path = kubeconfig
	}
	if path != "" {
		if stat, err := os.Stat(path); err != nil || stat.IsDir() {
			path = ""
		}
	}

	var config *rest.Config
	var err error
	if path == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", path)
	}
	if err != nil {
		return nil, xe.Wrap(err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return clientset, nil
}
