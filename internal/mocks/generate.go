package mocks

//go:generate mockery --name EventStore --srcpkg github.com/aevon-lab/aevon-meter/internal/core/storage --output ./storage --outpkg storagemocks --with-expecter
//go:generate mockery --name ChainStore --srcpkg github.com/aevon-lab/aevon-meter/internal/core/storage --output ./storage --outpkg storagemocks --with-expecter
