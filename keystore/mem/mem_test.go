package mem_test

import (
	"testing"

	"github.com/ryomak/aggstore/keystore"
	"github.com/ryomak/aggstore/keystore/keystoretest"
	"github.com/ryomak/aggstore/keystore/mem"
)

func TestMemStoreCompliance(t *testing.T) {
	keystoretest.Run(t, func(t *testing.T) keystore.Store {
		return mem.New()
	})
}
