package config

import "os"

func osLookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}
